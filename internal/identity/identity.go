// Package identity provides Relay's sole time source (monotonic wall
// clock in milliseconds) and caller-identity extraction from request
// headers, per spec.md §4.1.
package identity

import (
	"net/http"
	"time"

	relayerrors "github.com/luljaj/relay/internal/errors"
)

const (
	headerUserID   = "x-github-user"
	headerUserName = "x-github-username"
	anonymous      = "anonymous"
)

// NowMillis returns the current time in milliseconds since epoch. Every
// timestamp Relay assigns goes through this function.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Caller is the resolved identity of a request's originator.
type Caller struct {
	UserID   string
	UserName string
}

// Resolve extracts the caller's identity from request headers. UserID
// tries x-github-user then x-github-username then "anonymous"; UserName
// uses the reverse preference. When strict is true and both headers are
// empty, Resolve fails with IdentityUnresolved; the default (permissive)
// mode never fails.
func Resolve(h http.Header, strict bool) (Caller, error) {
	userID := firstNonEmpty(h.Get(headerUserID), h.Get(headerUserName))
	userName := firstNonEmpty(h.Get(headerUserName), h.Get(headerUserID))

	if userID == "" {
		if strict {
			return Caller{}, relayerrors.IdentityUnresolvedError("no caller identity header present")
		}
		userID = anonymous
	}
	if userName == "" {
		userName = anonymous
	}

	return Caller{UserID: userID, UserName: userName}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
