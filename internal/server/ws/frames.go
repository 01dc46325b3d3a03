package ws

import "time"

// Client actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// clientFrame is what clients send.
type clientFrame struct {
	Action string `json:"action"`
	Domain string `json:"domain"`
	Event  string `json:"event"`
	Filter string `json:"filter,omitempty"`
}

// Server frame types.
const (
	frameEvent        = "event"
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameError        = "error"
)

// eventFrame delivers one envelope to the client.
type eventFrame struct {
	Type    string    `json:"type"`
	Domain  string    `json:"domain"`
	Event   string    `json:"event"`
	Scope   string    `json:"scope"`
	ScopeID string    `json:"scopeId"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

// ackFrame confirms a subscribe or unsubscribe.
type ackFrame struct {
	Type   string `json:"type"`
	Domain string `json:"domain"`
	Event  string `json:"event"`
}

// errorFrame reports a per-frame failure without dropping the connection.
type errorFrame struct {
	Type  string      `json:"type"`
	Error frameDetail `json:"error"`
}

type frameDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in error frames.
const (
	codeBadRequest        = "bad_request"
	codeAlreadySubscribed = "already_subscribed"
	codeNotSubscribed     = "not_subscribed"
	codeSubscribeFailed   = "subscribe_failed"
	codeBadFilter         = "bad_filter"
)
