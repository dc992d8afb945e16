// Package locks is the Lock Registry (spec.md §4.6). Every mutation goes
// through a single Lua script evaluated atomically against the
// namespace's hash, so a multi-file acquire is genuinely all-or-nothing
// (I1/I4) rather than a pipeline of independent writes. Grounded on
// internal/kv's Script primitive; the narrow-wrapper-struct shape
// follows the teacher's habit of one small struct per Redis-backed
// concern (internal/cache/redis_client.go).
package locks

import (
	"context"
	"encoding/json"
	"time"

	relayerrors "github.com/luljaj/relay/internal/errors"
	"github.com/luljaj/relay/internal/kv"
)

// TTL is how long a lock stays active without renewal.
const TTL = 5 * time.Minute

// Status is the lock's type, preserved for observers per I5.
type Status string

const (
	StatusReading Status = "READING"
	StatusWriting Status = "WRITING"
)

// Lock is one namespace/filePath lock record.
type Lock struct {
	FilePath  string `json:"file_path"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Status    Status `json:"status"`
	AgentHead string `json:"agent_head"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Expiry    int64  `json:"expiry"`
}

// Registry operates the lock hash for one namespace at a time; it holds
// no per-namespace state itself.
type Registry struct {
	kv *kv.Client

	acquireScript *kv.Script
	releaseScript *kv.Script
	cleanupScript *kv.Script
}

// NewRegistry wires a Registry against a shared KV client.
func NewRegistry(kvClient *kv.Client) *Registry {
	return &Registry{
		kv:            kvClient,
		acquireScript: kv.NewScript(acquireLua),
		releaseScript: kv.NewScript(releaseLua),
		cleanupScript: kv.NewScript(cleanupLua),
	}
}

func namespaceKey(repo, branch string) string {
	return kv.Key("locks", repo, branch)
}

// AcquireInput describes one acquire attempt.
type AcquireInput struct {
	Repo      string
	Branch    string
	Paths     []string
	UserID    string
	UserName  string
	Status    Status
	AgentHead string
	Message   string
	Now       int64
}

// AcquireResult is the outcome of an acquire call. Conflict is a normal
// outcome, not an error — see spec.md §4.6's failure semantics.
type AcquireResult struct {
	Success          bool
	Locks            []Lock
	Reason           string
	ConflictingFile  string
	ConflictingUser  string
}

// acquireLua implements the three-step protocol from spec.md §4.6:
// skip expired fields, abort on any foreign active lock (no writes),
// otherwise write every requested field with a fresh timestamp/expiry.
//
// KEYS[1] = namespace hash key
// ARGV[1] = now (ms)
// ARGV[2] = userId
// ARGV[3] = JSON array of paths
// ARGV[4] = JSON-encoded lock record template (everything but file_path,
//           timestamp, expiry)
const acquireLua = `
local hashKey = KEYS[1]
local now = tonumber(ARGV[1])
local userId = ARGV[2]
local paths = cjson.decode(ARGV[3])
local template = cjson.decode(ARGV[4])

for _, path in ipairs(paths) do
  local raw = redis.call('HGET', hashKey, path)
  if raw then
    local existing = cjson.decode(raw)
    if now < existing.expiry and existing.user_id ~= userId then
      return cjson.encode({success=false, reason='FILE_CONFLICT', conflicting_file=path, conflicting_user=existing.user_id})
    end
  end
end

local written = {}
local ttlMs = tonumber(ARGV[5])
for _, path in ipairs(paths) do
  local record = {}
  for k, v in pairs(template) do record[k] = v end
  record.file_path = path
  record.timestamp = now
  record.expiry = now + ttlMs
  redis.call('HSET', hashKey, path, cjson.encode(record))
  table.insert(written, record)
end

return cjson.encode({success=true, locks=written})
`

// releaseLua deletes only fields whose stored user_id matches the caller.
//
// KEYS[1] = namespace hash key
// ARGV[1] = userId
// ARGV[2] = JSON array of paths
const releaseLua = `
local hashKey = KEYS[1]
local userId = ARGV[1]
local paths = cjson.decode(ARGV[2])

for _, path in ipairs(paths) do
  local raw = redis.call('HGET', hashKey, path)
  if raw then
    local existing = cjson.decode(raw)
    if existing.user_id == userId then
      redis.call('HDEL', hashKey, path)
    end
  end
end
return 1
`

// cleanupLua scans every field and removes those past expiry.
//
// KEYS[1] = namespace hash key
// ARGV[1] = now (ms)
const cleanupLua = `
local hashKey = KEYS[1]
local now = tonumber(ARGV[1])
local all = redis.call('HGETALL', hashKey)
local removed = 0

for i = 1, #all, 2 do
  local path = all[i]
  local raw = all[i+1]
  local record = cjson.decode(raw)
  if now >= record.expiry then
    redis.call('HDEL', hashKey, path)
    removed = removed + 1
  end
end
return removed
`

type acquireLuaResult struct {
	Success         bool    `json:"success"`
	Reason          string  `json:"reason"`
	ConflictingFile string  `json:"conflicting_file"`
	ConflictingUser string  `json:"conflicting_user"`
	Locks           []Lock  `json:"locks"`
}

// Acquire runs the atomic acquire script. Conflict is reported via the
// returned AcquireResult, never as an error.
func (r *Registry) Acquire(ctx context.Context, in AcquireInput) (AcquireResult, error) {
	if len(in.Paths) == 0 {
		return AcquireResult{}, relayerrors.ValidationError("paths must not be empty")
	}

	paths := dedupPaths(in.Paths)
	pathsJSON, _ := json.Marshal(paths)

	template := map[string]interface{}{
		"user_id":    in.UserID,
		"user_name":  in.UserName,
		"status":     in.Status,
		"agent_head": in.AgentHead,
		"message":    in.Message,
	}
	templateJSON, _ := json.Marshal(template)

	raw, err := r.acquireScript.Run(ctx, r.kv,
		[]string{namespaceKey(in.Repo, in.Branch)},
		in.Now, in.UserID, string(pathsJSON), string(templateJSON), TTL.Milliseconds(),
	)
	if err != nil {
		return AcquireResult{}, err
	}

	var parsed acquireLuaResult
	if err := json.Unmarshal([]byte(raw.(string)), &parsed); err != nil {
		return AcquireResult{}, relayerrors.InternalErrorf("malformed acquire script result: %v", err)
	}

	return AcquireResult{
		Success:         parsed.Success,
		Locks:           parsed.Locks,
		Reason:          parsed.Reason,
		ConflictingFile: parsed.ConflictingFile,
		ConflictingUser: parsed.ConflictingUser,
	}, nil
}

// Release atomically deletes only the caller's own locks among paths.
func (r *Registry) Release(ctx context.Context, repo, branch, userID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	pathsJSON, _ := json.Marshal(dedupPaths(paths))
	_, err := r.releaseScript.Run(ctx, r.kv,
		[]string{namespaceKey(repo, branch)},
		userID, string(pathsJSON),
	)
	return err
}

// ReleaseAll clears every lock in the namespace, returning the prior count.
func (r *Registry) ReleaseAll(ctx context.Context, repo, branch string) (int64, error) {
	releaseAllScript := kv.NewScript(`
local n = redis.call('HLEN', KEYS[1])
redis.call('DEL', KEYS[1])
return n
`)
	raw, err := releaseAllScript.Run(ctx, r.kv, []string{namespaceKey(repo, branch)})
	if err != nil {
		return 0, err
	}
	count, _ := raw.(int64)
	return count, nil
}

// List returns every active (non-expired) lock, keyed by file path. It
// opportunistically prunes any expired field it encounters.
func (r *Registry) List(ctx context.Context, repo, branch string, now int64) (map[string]Lock, error) {
	key := namespaceKey(repo, branch)
	raw, err := r.kv.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Lock, len(raw))
	var expired []string
	for path, v := range raw {
		var l Lock
		if err := json.Unmarshal([]byte(v), &l); err != nil {
			continue
		}
		if now >= l.Expiry {
			expired = append(expired, path)
			continue
		}
		out[path] = l
	}

	if len(expired) > 0 {
		_, _ = r.cleanupScript.Run(ctx, r.kv, []string{key}, now)
	}
	return out, nil
}

// CleanupExpired scans and removes expired fields, returning the count
// removed. Safe to run concurrently with any other operation.
func (r *Registry) CleanupExpired(ctx context.Context, repo, branch string, now int64) (int64, error) {
	raw, err := r.cleanupScript.Run(ctx, r.kv,
		[]string{namespaceKey(repo, branch)},
		now,
	)
	if err != nil {
		return 0, err
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	default:
		return 0, nil
	}
}

func dedupPaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
