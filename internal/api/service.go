// Package api implements the Request Plane's plain-JSON surface
// (spec.md §4.10, §6.1-6.7) and the shared Service both it and the
// JSON-RPC bridge dispatch through. Service holds no per-request state;
// every call resolves repo/branch/caller fresh, matching the teacher's
// request-handler concurrency model (no shared mutable state beyond the
// caches already owned by remoterepo/depgraph).
package api

import (
	"context"
	"sort"
	"time"

	"github.com/luljaj/relay/internal/activity"
	"github.com/luljaj/relay/internal/depgraph"
	relayerrors "github.com/luljaj/relay/internal/errors"
	"github.com/luljaj/relay/internal/identity"
	"github.com/luljaj/relay/internal/kv"
	"github.com/luljaj/relay/internal/locks"
	"github.com/luljaj/relay/internal/logging"
	"github.com/luljaj/relay/internal/orchestration"
	"github.com/luljaj/relay/internal/remoterepo"
)

// Service wires together the coordination-plane components. Both the
// plain-JSON handlers and the JSON-RPC tool-call adapter dispatch
// through the same Service methods, so the two surfaces can never
// diverge in behavior.
type Service struct {
	KV       *kv.Client
	Remote   *remoterepo.Client
	Locks    *locks.Registry
	Graph    *depgraph.Builder
	Activity *activity.Log
	Logger   *logging.Logger

	RequestDeadline    time.Duration
	GraphBuildDeadline time.Duration
	CanonicalRepoURL   func(repoURL string) string
}

// resolvedRepo carries the coordinates every operation needs: the
// normalized KV namespace key and the owner/repo pair the remote client
// wants.
type resolvedRepo struct {
	key   string
	owner string
	repo  string
}

func (s *Service) resolveRepo(repoURL string) (resolvedRepo, error) {
	if s.CanonicalRepoURL != nil {
		if rewritten := s.CanonicalRepoURL(repoURL); rewritten != "" {
			repoURL = rewritten
		}
	}
	owner, repo, err := remoterepo.ParseRepoCoordinates(repoURL)
	if err != nil {
		return resolvedRepo{}, err
	}
	key, err := remoterepo.NormalizeRepoURL(repoURL)
	if err != nil {
		return resolvedRepo{}, err
	}
	return resolvedRepo{key: key, owner: owner, repo: repo}, nil
}

// Lock is the API-facing lock representation, with the DIRECT/NEIGHBOR
// overlay and the "user" alias field from spec.md §6.1.
type Lock struct {
	FilePath  string `json:"file_path"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Status    string `json:"status"`
	AgentHead string `json:"agent_head"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Expiry    int64  `json:"expiry"`
	User      string `json:"user"`
	LockType  string `json:"lock_type"`
}

// CheckStatusRequest is the §6.1 request body.
type CheckStatusRequest struct {
	RepoURL   string   `json:"repo_url"`
	Branch    string   `json:"branch"`
	FilePaths []string `json:"file_paths"`
	AgentHead string   `json:"agent_head"`
	UserID    string   `json:"-"`
	UserName  string   `json:"-"`
}

// CheckStatusResponse is the §6.1 response body.
type CheckStatusResponse struct {
	Status        string                      `json:"status"`
	RepoHead      string                      `json:"repo_head"`
	Locks         map[string]Lock             `json:"locks"`
	Warnings      []string                    `json:"warnings,omitempty"`
	Orchestration orchestration.Command       `json:"orchestration"`
}

func (r CheckStatusRequest) validate() error {
	if r.RepoURL == "" || r.Branch == "" || len(r.FilePaths) == 0 || r.AgentHead == "" {
		return relayerrors.ValidationError("missing required fields")
	}
	return nil
}

// CheckStatus implements §4.8's check_status rules end to end: resolve
// remote head, read locks, overlay the cached graph, decide.
func (s *Service) CheckStatus(ctx context.Context, req CheckStatusRequest) (CheckStatusResponse, error) {
	if err := req.validate(); err != nil {
		return CheckStatusResponse{}, err
	}

	rr, err := s.resolveRepo(req.RepoURL)
	if err != nil {
		return CheckStatusResponse{}, err
	}

	remoteHead, err := s.Remote.GetBranchHead(ctx, rr.owner, rr.repo, req.Branch)
	if err != nil {
		return CheckStatusResponse{}, err
	}

	now := identity.NowMillis()
	activeLocks, err := s.Locks.List(ctx, rr.key, req.Branch, now)
	if err != nil {
		return CheckStatusResponse{}, err
	}

	graph, hasGraph := s.Graph.GetCached(ctx, rr.key, req.Branch)
	directSet := make(map[string]bool, len(req.FilePaths))
	for _, p := range req.FilePaths {
		directSet[p] = true
	}

	apiLocks := make(map[string]Lock, len(activeLocks))
	var conflicts []orchestration.ConflictingLock
	hasConflict := false

	for path, l := range activeLocks {
		lockType := orchestration.LockTypeNeighbor
		isDirect := directSet[path]
		isNeighbor := false
		if !isDirect && hasGraph {
			for _, named := range req.FilePaths {
				if depgraph.Neighbors(graph, named)[path] {
					isNeighbor = true
					break
				}
			}
		}
		if isDirect {
			lockType = orchestration.LockTypeDirect
		} else if !isNeighbor {
			continue // not direct, not a graph neighbor: irrelevant to this request
		}

		apiLocks[path] = Lock{
			FilePath: l.FilePath, UserID: l.UserID, UserName: l.UserName,
			Status: string(l.Status), AgentHead: l.AgentHead, Message: l.Message,
			Timestamp: l.Timestamp, Expiry: l.Expiry, User: l.UserID,
			LockType: string(lockType),
		}

		if l.UserID != req.UserID {
			conflicts = append(conflicts, orchestration.ConflictingLock{
				FilePath: path, UserID: l.UserID, Type: lockType,
			})
			hasConflict = true
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Type != conflicts[j].Type {
			return conflicts[i].Type == orchestration.LockTypeDirect
		}
		return conflicts[i].FilePath < conflicts[j].FilePath
	})

	cmd := orchestration.CheckStatus(orchestration.CheckStatusInput{
		CallerID:    req.UserID,
		RemoteHead:  remoteHead,
		AgentHead:   req.AgentHead,
		Conflicting: conflicts,
	})

	headMismatch := req.AgentHead != remoteHead
	resp := CheckStatusResponse{
		Status:        orchestration.StatusField(headMismatch, hasConflict),
		RepoHead:      remoteHead,
		Locks:         apiLocks,
		Orchestration: cmd,
	}
	if headMismatch {
		resp.Warnings = []string{"STALE_BRANCH: Your branch is behind origin/" + req.Branch}
	}
	return resp, nil
}

// PostStatusRequest is the §6.2 request body.
type PostStatusRequest struct {
	RepoURL    string   `json:"repo_url"`
	Branch     string   `json:"branch"`
	FilePaths  []string `json:"file_paths"`
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	AgentHead  string   `json:"agent_head,omitempty"`
	NewRepoHead string  `json:"new_repo_head,omitempty"`
	UserID     string   `json:"-"`
	UserName   string   `json:"-"`
}

// PostStatusResponse is the §6.2 response body.
type PostStatusResponse struct {
	Success               bool                  `json:"success"`
	Locks                 []Lock                `json:"locks,omitempty"`
	OrphanedDependencies  []string              `json:"orphaned_dependencies,omitempty"`
	Orchestration         orchestration.Command `json:"orchestration"`
}

func (r PostStatusRequest) validate() error {
	if r.RepoURL == "" || r.Branch == "" || len(r.FilePaths) == 0 || r.Status == "" || r.Message == "" {
		return relayerrors.ValidationError("missing required fields")
	}
	if (r.Status == "WRITING" || r.Status == "READING") && r.AgentHead == "" {
		return relayerrors.ValidationError("agent_head is required for WRITING/READING")
	}
	return nil
}

// PostStatus implements spec.md §4.8's post_status rules for all three statuses.
func (s *Service) PostStatus(ctx context.Context, req PostStatusRequest) (PostStatusResponse, error) {
	if err := req.validate(); err != nil {
		return PostStatusResponse{}, err
	}

	rr, err := s.resolveRepo(req.RepoURL)
	if err != nil {
		return PostStatusResponse{}, err
	}

	switch req.Status {
	case "WRITING", "READING":
		return s.postWritingOrReading(ctx, rr, req)
	case "OPEN":
		return s.postOpen(ctx, rr, req)
	default:
		return PostStatusResponse{}, relayerrors.ValidationErrorf("unknown status %q", req.Status)
	}
}

func (s *Service) postWritingOrReading(ctx context.Context, rr resolvedRepo, req PostStatusRequest) (PostStatusResponse, error) {
	remoteHead, err := s.Remote.GetBranchHead(ctx, rr.owner, rr.repo, req.Branch)
	if err != nil {
		return PostStatusResponse{}, err
	}

	if req.Status == "WRITING" && req.AgentHead != remoteHead {
		outcome := orchestration.WritingOrReading(req.Status, req.AgentHead, remoteHead, false, "", "")
		return PostStatusResponse{Success: outcome.Success, Orchestration: outcome.Command}, nil
	}

	now := identity.NowMillis()
	result, err := s.Locks.Acquire(ctx, locks.AcquireInput{
		Repo: rr.key, Branch: req.Branch, Paths: req.FilePaths,
		UserID: req.UserID, UserName: req.UserName,
		Status: locks.Status(req.Status), AgentHead: req.AgentHead,
		Message: req.Message, Now: now,
	})
	if err != nil {
		return PostStatusResponse{}, err
	}

	outcome := orchestration.WritingOrReading(req.Status, req.AgentHead, remoteHead, result.Success, result.ConflictingFile, result.ConflictingUser)
	resp := PostStatusResponse{Success: outcome.Success, Orchestration: outcome.Command}

	if result.Success {
		apiLocks := make([]Lock, 0, len(result.Locks))
		for _, l := range result.Locks {
			apiLocks = append(apiLocks, Lock{
				FilePath: l.FilePath, UserID: l.UserID, UserName: l.UserName,
				Status: string(l.Status), AgentHead: l.AgentHead, Message: l.Message,
				Timestamp: l.Timestamp, Expiry: l.Expiry, User: l.UserID,
			})
		}
		resp.Locks = apiLocks
		if err := s.Activity.Record(ctx, rr.key, req.Branch, req.FilePaths, req.UserID, req.UserName, req.Status, req.Message, now); err != nil {
			s.Logger.Warn("activity record failed", "error", err.Error())
		}
	}
	return resp, nil
}

func (s *Service) postOpen(ctx context.Context, rr resolvedRepo, req PostStatusRequest) (PostStatusResponse, error) {
	if shouldRelease, blocked := orchestration.Open(req.NewRepoHead, req.AgentHead); !shouldRelease {
		return PostStatusResponse{Success: blocked.Success, Orchestration: blocked.Command}, nil
	}

	graph, hasGraph := s.Graph.GetCached(ctx, rr.key, req.Branch)

	if err := s.Locks.Release(ctx, rr.key, req.Branch, req.UserID, req.FilePaths); err != nil {
		outcome := orchestration.OpenReleaseFailed()
		return PostStatusResponse{Success: outcome.Success, Orchestration: outcome.Command}, err
	}

	now := identity.NowMillis()
	if err := s.Activity.Record(ctx, rr.key, req.Branch, req.FilePaths, req.UserID, req.UserName, req.Status, req.Message, now); err != nil {
		s.Logger.Warn("activity record failed", "error", err.Error())
	}

	outcome := orchestration.OpenReleaseSucceeded()
	resp := PostStatusResponse{Success: outcome.Success, Orchestration: outcome.Command}
	if hasGraph {
		resp.OrphanedDependencies = depgraph.OrphanedDependencies(graph, req.FilePaths)
	}
	return resp, nil
}

// generate runs a graph build under GraphBuildDeadline rather than the
// request's own RequestDeadline: a full remote tree walk and per-file
// blob fetch (spec.md §5) routinely outlasts the 5s agent-call budget,
// so the build strips the inbound request's deadline/cancellation
// (keeping only its values) and applies its own 30s timeout instead.
func (s *Service) generate(ctx context.Context, rr resolvedRepo, branch string, force bool) (*depgraph.Graph, error) {
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.GraphBuildDeadline)
	defer cancel()
	return s.Graph.Generate(buildCtx, rr.owner, rr.repo, rr.key, branch, force)
}

// GetGraph returns the namespace's dependency graph, overlaid with a
// fresh lock snapshot. regenerate forces a rebuild.
func (s *Service) GetGraph(ctx context.Context, repoURL, branch string, regenerate bool) (*depgraph.Graph, error) {
	rr, err := s.resolveRepo(repoURL)
	if err != nil {
		return nil, err
	}

	var graph *depgraph.Graph
	if regenerate {
		graph, err = s.generate(ctx, rr, branch, true)
		if err != nil {
			return nil, err
		}
	} else {
		cached, ok := s.Graph.GetCached(ctx, rr.key, branch)
		if !ok {
			graph, err = s.generate(ctx, rr, branch, false)
			if err != nil {
				return nil, err
			}
		} else {
			graph = cached
		}
	}

	now := identity.NowMillis()
	activeLocks, err := s.Locks.List(ctx, rr.key, branch, now)
	if err != nil {
		return nil, err
	}
	return depgraph.WithLockOverlay(graph, activeLocks), nil
}

// ActivityEvents returns up to limit newest-first-then-reversed activity events.
func (s *Service) ActivityEvents(ctx context.Context, repoURL, branch string, limit int) ([]activity.Event, error) {
	rr, err := s.resolveRepo(repoURL)
	if err != nil {
		return nil, err
	}
	return s.Activity.List(ctx, rr.key, branch, limit)
}

// ReleaseAllLocks clears every lock in the namespace.
func (s *Service) ReleaseAllLocks(ctx context.Context, repoURL, branch string) (int64, error) {
	rr, err := s.resolveRepo(repoURL)
	if err != nil {
		return 0, err
	}
	return s.Locks.ReleaseAll(ctx, rr.key, branch)
}

// ClearAgentAndFeed releases every lock and then clears the activity feed.
// These are two separate KV operations, not one atomic step: the second
// runs even if the first fails, and each count is reported so the caller
// can diagnose a partial failure.
func (s *Service) ClearAgentAndFeed(ctx context.Context, repoURL, branch string) (locksCleared, feedCleared int64, err error) {
	rr, rerr := s.resolveRepo(repoURL)
	if rerr != nil {
		return 0, 0, rerr
	}

	locksCleared, lerr := s.Locks.ReleaseAll(ctx, rr.key, branch)
	feedCleared, ferr := s.Activity.Clear(ctx, rr.key, branch)

	if lerr != nil {
		return locksCleared, feedCleared, lerr
	}
	if ferr != nil {
		return locksCleared, feedCleared, ferr
	}
	return locksCleared, feedCleared, nil
}

// CleanupStaleLocks iterates every known lock namespace and runs
// cleanupExpired on each, per spec.md §4.11.
func (s *Service) CleanupStaleLocks(ctx context.Context) (int64, error) {
	keys, err := s.KV.Keys(ctx, "locks:*")
	if err != nil {
		return 0, err
	}

	now := identity.NowMillis()
	var total int64
	for _, key := range keys {
		repoKey, branch, ok := splitLockKey(key)
		if !ok {
			continue
		}
		n, err := s.Locks.CleanupExpired(ctx, repoKey, branch, now)
		if err != nil {
			s.Logger.Warn("cleanup failed for namespace", "key", key, "error", err.Error())
			continue
		}
		total += n
	}
	return total, nil
}

// splitLockKey parses "locks:<repo>:<branch>" back into (repo, branch).
// The branch is taken as everything after the last colon; any earlier
// colon stays with repo.
func splitLockKey(key string) (repo, branch string, ok bool) {
	const prefix = "locks:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := key[len(prefix):]
	idx := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
