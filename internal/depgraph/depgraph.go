// Package depgraph is the Graph Cache & Builder (spec.md §4.7): a
// per-namespace dependency graph kept in the KV store and rebuilt
// incrementally from the remote repo host. Builds coalesce per namespace
// via singleflight (grounded on the single-flight shape in
// other_examples' crush repomap.go) and fetch files concurrently via
// errgroup (grounded on the teacher's internal/github/client.go worker
// pool). Deliberately does not use the teacher's Neo4j-backed
// internal/graph package — this graph is KV-resident per the data model.
package depgraph

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/luljaj/relay/internal/identity"
	"github.com/luljaj/relay/internal/importscan"
	"github.com/luljaj/relay/internal/kv"
	"github.com/luljaj/relay/internal/locks"
	"github.com/luljaj/relay/internal/logging"
	"github.com/luljaj/relay/internal/pathresolve"
	"github.com/luljaj/relay/internal/remoterepo"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Node is one source file in the graph.
type Node struct {
	ID       string `json:"id"`
	Language string `json:"language,omitempty"`
	Size     int64  `json:"size"`
}

// Edge is a directed "import" edge from Source to Target.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label"`
}

// Metadata carries build provenance.
type Metadata struct {
	GeneratedAtMs  int64 `json:"generated_at_ms"`
	FilesProcessed int   `json:"files_processed"`
	EdgesFound     int   `json:"edges_found"`
}

// Graph is the full per-namespace dependency graph, with an optional
// lock overlay applied by the caller at read time.
type Graph struct {
	Nodes    []Node          `json:"nodes"`
	Edges    []Edge          `json:"edges"`
	Version  string          `json:"version"`
	Metadata Metadata        `json:"metadata"`
	Locks    map[string]locks.Lock `json:"locks,omitempty"`
}

// Builder owns the single-flight coalescing for one process's graph
// builds. It holds no long-lived graph state itself — everything
// durable lives in the KV store.
type Builder struct {
	kv     *kv.Client
	remote *remoterepo.Client
	logger *logging.Logger

	flight singleflight.Group

	maxWorkers int
}

// NewBuilder wires a Builder against the KV store and remote repo client.
func NewBuilder(kvClient *kv.Client, remote *remoterepo.Client, maxWorkers int) *Builder {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Builder{
		kv:         kvClient,
		remote:     remote,
		logger:     logging.Global().With("component", "depgraph"),
		maxWorkers: maxWorkers,
	}
}

func graphKey(repo, branch string) string     { return kv.Key("graph", repo, branch) }
func metaKey(repo, branch string) string      { return kv.Key("graph", "meta", repo, branch) }
func fileShasKey(repo, branch string) string  { return kv.Key("graph", "file_shas", repo, branch) }

// GetCached returns the stored graph as-is (no remote calls), or
// (nil, false) if absent or unparsable. Reads never call the remote host.
func (b *Builder) GetCached(ctx context.Context, repo, branch string) (*Graph, bool) {
	raw, ok, err := b.kv.Get(ctx, graphKey(repo, branch))
	if err != nil || !ok {
		return nil, false
	}
	var g Graph
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, false
	}
	return &g, true
}

// NeedsUpdate compares the current remote head to the stored build meta.
func (b *Builder) NeedsUpdate(ctx context.Context, owner, repo, repoKey, branch string) (remoteHead string, stale bool, err error) {
	remoteHead, err = b.remote.GetBranchHead(ctx, owner, repo, branch)
	if err != nil {
		return "", false, err
	}
	storedHead, ok, err := b.kv.Get(ctx, metaKey(repoKey, branch))
	if err != nil {
		return "", false, err
	}
	return remoteHead, !ok || storedHead != remoteHead, nil
}

// Generate builds (or returns the cached) graph for a namespace, single-
// flighted per (repoKey, branch) so concurrent callers in this process
// await one build. force bypasses the "head unchanged" short-circuit.
func (b *Builder) Generate(ctx context.Context, owner, repo, repoKey, branch string, force bool) (*Graph, error) {
	flightKey := repoKey + "@" + branch

	result, err, _ := b.flight.Do(flightKey, func() (interface{}, error) {
		return b.generate(ctx, owner, repo, repoKey, branch, force)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Graph), nil
}

func (b *Builder) generate(ctx context.Context, owner, repo, repoKey, branch string, force bool) (*Graph, error) {
	head, err := b.remote.GetBranchHead(ctx, owner, repo, branch)
	if err != nil {
		return nil, err
	}

	storedHead, hasMeta, err := b.kv.Get(ctx, metaKey(repoKey, branch))
	if err != nil {
		return nil, err
	}
	cached, hasCached := b.GetCached(ctx, repoKey, branch)

	if !force && hasMeta && storedHead == head && hasCached {
		return cached, nil
	}

	tree, err := b.remote.GetRecursiveTree(ctx, owner, repo, head)
	if err != nil {
		return nil, err
	}

	supported := importscan.SupportedExtensions()
	treeShas := make(map[string]string)
	treeSizes := make(map[string]int64)
	var treePaths []string
	for _, entry := range tree {
		if entry.Type != "blob" {
			continue
		}
		if !supported[extOf(entry.Path)] {
			continue
		}
		treeShas[entry.Path] = entry.SHA
		treeSizes[entry.Path] = entry.Size
		treePaths = append(treePaths, entry.Path)
	}

	storedShas, err := b.kv.HGetAll(ctx, fileShasKey(repoKey, branch))
	if err != nil {
		return nil, err
	}

	var newFiles, changedFiles, deletedFiles []string
	for path, sha := range treeShas {
		old, existed := storedShas[path]
		if !existed {
			newFiles = append(newFiles, path)
		} else if old != sha {
			changedFiles = append(changedFiles, path)
		}
	}
	for path := range storedShas {
		if _, stillPresent := treeShas[path]; !stillPresent {
			deletedFiles = append(deletedFiles, path)
		}
	}

	var nodes map[string]Node
	var edges map[string]Edge
	if hasCached {
		nodes = make(map[string]Node, len(cached.Nodes))
		for _, n := range cached.Nodes {
			nodes[n.ID] = n
		}
		edges = make(map[string]Edge, len(cached.Edges))
		for _, e := range cached.Edges {
			edges[edgeKey(e.Source, e.Target)] = e
		}
	} else {
		nodes = make(map[string]Node)
		edges = make(map[string]Edge)
	}

	removeSet := make(map[string]bool, len(deletedFiles)+len(changedFiles))
	for _, p := range deletedFiles {
		removeSet[p] = true
	}
	for _, p := range changedFiles {
		removeSet[p] = true
	}
	for path := range removeSet {
		delete(nodes, path)
	}
	for key, e := range edges {
		if removeSet[e.Source] || removeSet[e.Target] {
			delete(edges, key)
		}
	}

	fullRebuild := !hasCached || (len(tree) > 0 && len(nodes) == 0 && len(newFiles) == 0 && len(changedFiles) == 0 && len(deletedFiles) == 0 && len(storedShas) > 0)

	var filesToProcess []string
	if fullRebuild {
		nodes = make(map[string]Node)
		edges = make(map[string]Edge)
		filesToProcess = treePaths
	} else {
		filesToProcess = append(append([]string{}, newFiles...), changedFiles...)
	}

	knownPaths := pathresolve.ToPathSet(treePaths)

	if len(filesToProcess) > 0 {
		results, err := b.fetchAndParse(ctx, owner, repo, head, filesToProcess, treeSizes, knownPaths)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			nodes[r.path] = Node{ID: r.path, Language: string(r.language), Size: r.size}
			for _, target := range r.resolvedTargets {
				e := Edge{Source: r.path, Target: target, Label: "import"}
				edges[edgeKey(e.Source, e.Target)] = e
			}
		}
	}

	graph := &Graph{
		Nodes:   sortedNodes(nodes),
		Edges:   sortedEdges(edges),
		Version: head,
		Metadata: Metadata{
			GeneratedAtMs:  nowMillis(),
			FilesProcessed: len(filesToProcess),
			EdgesFound:     len(edges),
		},
	}

	raw, err := json.Marshal(graph)
	if err != nil {
		return nil, err
	}
	if err := b.kv.Set(ctx, graphKey(repoKey, branch), string(raw)); err != nil {
		return nil, err
	}
	if err := b.kv.Set(ctx, metaKey(repoKey, branch), head); err != nil {
		return nil, err
	}
	if len(deletedFiles) > 0 {
		if err := b.kv.HDel(ctx, fileShasKey(repoKey, branch), deletedFiles...); err != nil {
			return nil, err
		}
	}
	if err := b.kv.HSetMany(ctx, fileShasKey(repoKey, branch), treeShas); err != nil {
		return nil, err
	}

	return graph, nil
}

type fileResult struct {
	path            string
	language        importscan.Language
	size            int64
	resolvedTargets []string
}

func (b *Builder) fetchAndParse(ctx context.Context, owner, repo, head string, paths []string, treeSizes map[string]int64, knownPaths map[string]bool) ([]fileResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.maxWorkers)

	resultsCh := make(chan fileResult, len(paths))

	for _, p := range paths {
		path := p
		g.Go(func() error {
			content, err := b.remote.GetBlobContent(gctx, owner, repo, path, head)
			if err != nil {
				b.logger.Warn("skipping file after fetch failure", "path", path, "error", err.Error())
				return nil
			}
			lang := importscan.DetectLanguage(path)
			refs := importscan.Extract(content, path, lang)

			var targets []string
			seen := make(map[string]bool)
			for _, ref := range refs {
				if resolved, ok := pathresolve.Resolve(ref, path, knownPaths); ok && !seen[resolved] {
					seen[resolved] = true
					targets = append(targets, resolved)
				}
			}

			resultsCh <- fileResult{
				path:            path,
				language:        lang,
				size:            treeSizes[path],
				resolvedTargets: targets,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultsCh)

	results := make([]fileResult, 0, len(paths))
	for r := range resultsCh {
		results = append(results, r)
	}
	return results, nil
}

// WithLockOverlay returns a copy of g with its Locks field populated.
func WithLockOverlay(g *Graph, activeLocks map[string]locks.Lock) *Graph {
	out := *g
	out.Locks = activeLocks
	return &out
}

// Neighbors returns every node adjacent to path via an import edge in
// either direction (undirected adjacency, per spec.md §4.8's neighbor
// lock rule).
func Neighbors(g *Graph, path string) map[string]bool {
	out := make(map[string]bool)
	for _, e := range g.Edges {
		if e.Source == path {
			out[e.Target] = true
		}
		if e.Target == path {
			out[e.Source] = true
		}
	}
	return out
}

// OrphanedDependencies returns files whose out-edges target any released
// path, excluding files that are themselves released.
func OrphanedDependencies(g *Graph, releasedPaths []string) []string {
	released := make(map[string]bool, len(releasedPaths))
	for _, p := range releasedPaths {
		released[p] = true
	}

	orphanSet := make(map[string]bool)
	for _, e := range g.Edges {
		if released[e.Target] && !released[e.Source] {
			orphanSet[e.Source] = true
		}
	}

	out := make([]string, 0, len(orphanSet))
	for p := range orphanSet {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func edgeKey(source, target string) string { return source + "=>" + target }

func sortedNodes(m map[string]Node) []Node {
	out := make([]Node, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedEdges(m map[string]Edge) []Edge {
	out := make([]Edge, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}

func nowMillis() int64 {
	return identity.NowMillis()
}
