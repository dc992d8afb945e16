// Package remoterepo gives Relay read-only access to the repository
// host: branch HEAD, recursive tree, and blob content, with a short
// in-process HEAD cache and rate limiting. Grounded on the teacher's
// internal/github/client.go (rate-limited go-github wrapper) and
// internal/mcp/repo_resolver.go's URL parsing.
package remoterepo

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	relayerrors "github.com/luljaj/relay/internal/errors"

	"github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"
)

// TreeEntry describes one file in a recursive tree listing.
type TreeEntry struct {
	Path string
	SHA  string
	Size int64
	Type string // "blob", "tree", "commit"
}

// Client wraps the GitHub API with rate limiting and a short HEAD cache.
type Client struct {
	gh          *github.Client
	rateLimiter *rate.Limiter

	headCacheTTL time.Duration
	headMu       sync.Mutex
	headCache    map[string]headCacheEntry
}

type headCacheEntry struct {
	sha       string
	fetchedAt time.Time
}

// NewClient creates a remote repo client authenticated with token (may be
// empty for unauthenticated/low-quota access) and rate limited to
// ratePerSecond requests per second.
func NewClient(token string, ratePerSecond int, headCacheTTL time.Duration) *Client {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	if headCacheTTL <= 0 {
		headCacheTTL = 30 * time.Second
	}
	return &Client{
		gh:           gh,
		rateLimiter:  rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		headCacheTTL: headCacheTTL,
		headCache:    make(map[string]headCacheEntry),
	}
}

// NormalizeRepoURL lowercases host/owner/repo and strips a trailing
// ".git" or trailing slash. Returns an error if the URL doesn't look
// like a recognizable host URL.
func NormalizeRepoURL(raw string) (string, error) {
	owner, repo, err := ParseRepoCoordinates(raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("github.com/%s/%s", strings.ToLower(owner), strings.ToLower(repo)), nil
}

var (
	httpsURLPattern  = regexp.MustCompile(`(?i)^https?://(?:www\.)?github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)
	sshURLPattern    = regexp.MustCompile(`(?i)^git@github\.com:([^/]+)/([^/]+?)(?:\.git)?/?$`)
	shorthandPattern = regexp.MustCompile(`(?i)^([a-z0-9][a-z0-9-]*)/([a-z0-9._-]+?)(?:\.git)?$`)
)

// ParseRepoCoordinates extracts (owner, repo) from a GitHub HTTPS URL, SSH
// URL, or "owner/repo" shorthand. Fails with InvalidRepoURL-equivalent
// (Validation kind) if the input doesn't match a recognizable shape.
func ParseRepoCoordinates(raw string) (owner string, repo string, err error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", relayerrors.ValidationError("repo_url is empty")
	}

	if m := httpsURLPattern.FindStringSubmatch(trimmed); len(m) == 3 {
		return m[1], m[2], nil
	}
	if m := sshURLPattern.FindStringSubmatch(trimmed); len(m) == 3 {
		return m[1], m[2], nil
	}
	if m := shorthandPattern.FindStringSubmatch(trimmed); len(m) == 3 {
		return m[1], m[2], nil
	}

	return "", "", relayerrors.ValidationErrorf("unrecognized repo url: %s", raw)
}

// GetBranchHead returns the current commit SHA for owner/repo's branch,
// using a cache of at most headCacheTTL age. Fails with BranchNotFound,
// QuotaExhausted, or Unreachable.
func (c *Client) GetBranchHead(ctx context.Context, owner, repo, branch string) (string, error) {
	key := owner + "/" + repo + "@" + branch

	c.headMu.Lock()
	if entry, ok := c.headCache[key]; ok && time.Since(entry.fetchedAt) < c.headCacheTTL {
		c.headMu.Unlock()
		return entry.sha, nil
	}
	c.headMu.Unlock()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", relayerrors.UnreachableError(err)
	}

	ref, resp, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/heads/"+branch)
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return "", relayerrors.BranchNotFoundError(branch)
		}
		if quota, qerr := asQuotaError(resp, err); quota {
			return "", qerr
		}
		return "", relayerrors.UnreachableError(err)
	}

	sha := ref.GetObject().GetSHA()

	c.headMu.Lock()
	c.headCache[key] = headCacheEntry{sha: sha, fetchedAt: time.Now()}
	c.headMu.Unlock()

	return sha, nil
}

// GetRecursiveTree returns every entry in the tree rooted at commitSha.
func (c *Client) GetRecursiveTree(ctx context.Context, owner, repo, commitSha string) ([]TreeEntry, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, relayerrors.UnreachableError(err)
	}

	tree, resp, err := c.gh.Git.GetTree(ctx, owner, repo, commitSha, true)
	if err != nil {
		if quota, qerr := asQuotaError(resp, err); quota {
			return nil, qerr
		}
		return nil, relayerrors.UnreachableError(err)
	}

	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		entries = append(entries, TreeEntry{
			Path: e.GetPath(),
			SHA:  e.GetSHA(),
			Size: int64(e.GetSize()),
			Type: e.GetType(),
		})
	}
	return entries, nil
}

// GetBlobContent fetches the raw content of path at commitSha.
func (c *Client) GetBlobContent(ctx context.Context, owner, repo, path, commitSha string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, relayerrors.UnreachableError(err)
	}

	fileContent, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{
		Ref: commitSha,
	})
	if err != nil {
		if quota, qerr := asQuotaError(resp, err); quota {
			return nil, qerr
		}
		return nil, relayerrors.UnreachableError(err)
	}
	if fileContent == nil {
		return nil, relayerrors.UnreachableError(fmt.Errorf("path %s resolved to a directory", path))
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, relayerrors.UnreachableError(err)
	}
	return []byte(content), nil
}

func asQuotaError(resp *github.Response, cause error) (bool, *relayerrors.Error) {
	if resp == nil || resp.Response == nil {
		return false, nil
	}
	if resp.StatusCode != 403 && resp.StatusCode != 429 {
		return false, nil
	}

	retryAfterMs := int64(0)
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			retryAfterMs = int64(secs) * 1000
		}
	} else if resetHeader := resp.Header.Get("X-RateLimit-Reset"); resetHeader != "" {
		if epoch, err := strconv.ParseInt(resetHeader, 10, 64); err == nil {
			retryAfterMs = max64(0, epoch*1000-time.Now().UnixMilli())
		}
	}

	if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.StatusCode == 429 {
		return true, relayerrors.QuotaExhaustedError(cause, retryAfterMs)
	}
	return false, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
