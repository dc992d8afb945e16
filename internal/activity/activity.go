// Package activity is the Activity Log (spec.md §4.9): a bounded,
// newest-first per-namespace event list. Grounded on internal/kv's list
// primitives (LPush/LTrim/LRange). Each event's id is a fresh random
// google/uuid; it is not derived from the event's fields, so pushing the
// same event twice yields two different ids.
package activity

import (
	"context"
	"encoding/json"

	"github.com/luljaj/relay/internal/kv"

	"github.com/google/uuid"
)

// MaxEvents bounds list growth; older events fall off on trim.
const MaxEvents = 500

// DefaultLimit is how many events a read returns absent an explicit limit.
const DefaultLimit = 120

// Event is one activity-log entry, pushed once per affected file on a
// successful state-changing post_status call.
type Event struct {
	ID        string `json:"id"`
	FilePath  string `json:"file_path"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Log operates the activity list for one namespace at a time.
type Log struct {
	kv *kv.Client
}

// NewLog wires a Log against a shared KV client.
func NewLog(kvClient *kv.Client) *Log {
	return &Log{kv: kvClient}
}

func namespaceKey(repo, branch string) string {
	return kv.Key("activity", repo, branch)
}

// Record pushes one event per affected path to the head of the
// namespace's list and trims it to MaxEvents.
func (l *Log) Record(ctx context.Context, repo, branch string, paths []string, userID, userName, status, message string, now int64) error {
	key := namespaceKey(repo, branch)

	for _, p := range paths {
		ev := Event{
			ID:        uuid.NewString(),
			FilePath:  p,
			UserID:    userID,
			UserName:  userName,
			Status:    status,
			Message:   message,
			Timestamp: now,
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := l.kv.LPush(ctx, key, string(raw)); err != nil {
			return err
		}
	}

	return l.kv.LTrim(ctx, key, 0, MaxEvents-1)
}

// List returns the newest limit events for the namespace, oldest-first
// (the request plane's presentation order for UI consumers). A limit above
// MaxEvents is clamped to MaxEvents; 0 or a negative limit selects
// DefaultLimit.
func (l *Log) List(ctx context.Context, repo, branch string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxEvents {
		limit = MaxEvents
	}

	raw, err := l.kv.LRange(ctx, namespaceKey(repo, branch), 0, int64(limit-1))
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}

	// raw is newest-first (LPush order); reverse for oldest-first delivery.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Clear atomically deletes the namespace's activity key, returning its
// prior length.
func (l *Log) Clear(ctx context.Context, repo, branch string) (int64, error) {
	key := namespaceKey(repo, branch)
	n, err := l.kv.LLen(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := l.kv.Del(ctx, key); err != nil {
		return 0, err
	}
	return n, nil
}
