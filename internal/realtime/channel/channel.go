package channel

import (
	"errors"
	"strings"
)

// Scope is the audience breadth of an event.
type Scope string

// Audience scopes.
const (
	ScopeBroadcast Scope = "broadcast"
	ScopeUser      Scope = "user"
	ScopeHousehold Scope = "household"
)

// BroadcastID is the scope id used for broadcast channels, which have no
// narrower audience.
const BroadcastID = "all"

// ErrMalformed reports a channel name that does not follow the convention.
var ErrMalformed = errors.New("channel: malformed name")

// Identity is the authenticated principal a connection belongs to. A user
// may have no household.
type Identity struct {
	UserID      string
	HouseholdID string
}

// Name builds the channel name for one event under one scope.
func Name(namespace, domain string, scope Scope, scopeID, event string) string {
	var b strings.Builder
	b.Grow(len(namespace) + len(domain) + len(scope) + len(scopeID) + len(event) + 4)
	b.WriteString(namespace)
	b.WriteByte(':')
	b.WriteString(domain)
	b.WriteByte(':')
	b.WriteString(string(scope))
	b.WriteByte(':')
	b.WriteString(scopeID)
	b.WriteByte(':')
	b.WriteString(event)
	return b.String()
}

// Pattern builds the wildcard pattern covering every domain and event for
// one (scope, scopeId) pair: {namespace}:*:{scope}:{scopeId}:*
func Pattern(namespace string, scope Scope, scopeID string) string {
	return namespace + ":*:" + string(scope) + ":" + scopeID + ":*"
}

// PatternsFor derives the fixed pattern set for a connection: broadcast,
// the user's own channels, and the household's channels when the identity
// has one. The set is fixed for the connection's lifetime.
func PatternsFor(namespace string, id Identity) []string {
	patterns := []string{
		Pattern(namespace, ScopeBroadcast, BroadcastID),
		Pattern(namespace, ScopeUser, id.UserID),
	}
	if id.HouseholdID != "" {
		patterns = append(patterns, Pattern(namespace, ScopeHousehold, id.HouseholdID))
	}
	return patterns
}

// Variants returns the three channel names a subscriber listens on for one
// (domain, event) pair. Subscribers always listen on all variants because
// emission policy is runtime-configurable; only the publisher's choice
// decides which variant carries traffic.
func Variants(namespace, domain string, id Identity, event string) []string {
	out := []string{
		Name(namespace, domain, ScopeBroadcast, BroadcastID, event),
		Name(namespace, domain, ScopeUser, id.UserID, event),
	}
	if id.HouseholdID != "" {
		out = append(out, Name(namespace, domain, ScopeHousehold, id.HouseholdID, event))
	}
	return out
}

// Invalidation is the fixed cross-process channel carrying connection
// termination requests for an identity.
func Invalidation(namespace string) string {
	return namespace + ":system:invalidation"
}

// Parts is a parsed channel name.
type Parts struct {
	Namespace string
	Domain    string
	Scope     Scope
	ScopeID   string
	Event     string
}

// Parse splits a channel name into its parts.
func Parse(name string) (Parts, error) {
	seg := strings.Split(name, ":")
	if len(seg) != 5 {
		return Parts{}, ErrMalformed
	}
	scope := Scope(seg[2])
	switch scope {
	case ScopeBroadcast, ScopeUser, ScopeHousehold:
	default:
		return Parts{}, ErrMalformed
	}
	for _, s := range seg {
		if s == "" {
			return Parts{}, ErrMalformed
		}
	}
	return Parts{Namespace: seg[0], Domain: seg[1], Scope: scope, ScopeID: seg[3], Event: seg[4]}, nil
}
