// Package filter compiles optional CEL expressions that logical
// subscriptions use to narrow which envelopes they receive server-side.
package filter

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/jankosk/norish-sub000/internal/realtime/envelope"
)

// Filter wraps a compiled CEL program. The zero value (and any Filter built
// from an empty expression) is disabled and matches everything.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// New compiles expr. An empty expression yields a disabled filter.
//
// Available variables: domain, event, scope, scope_id (strings),
// data (the payload, dyn), at_ms and now_ms (ints).
func New(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("domain", cel.StringType),
		cel.Variable("event", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("scope_id", cel.StringType),
		cel.Variable("data", cel.DynType),
		cel.Variable("at_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Enabled reports whether the filter carries a compiled expression.
func (f Filter) Enabled() bool { return f.enabled }

// Eval evaluates the expression against env. Evaluation errors count as a
// non-match so a bad expression cannot flood its subscriber.
func (f Filter) Eval(env envelope.Envelope) bool {
	if !f.enabled {
		return true
	}
	data := env.Data
	if data == nil {
		data = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"domain":   env.Domain,
		"event":    env.Event,
		"scope":    string(env.Scope),
		"scope_id": env.ScopeID,
		"data":     data,
		"at_ms":    env.At.UnixMilli(),
		"now_ms":   time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
