package emitter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"github.com/jankosk/norish-sub000/internal/realtime/channel"
	"github.com/jankosk/norish-sub000/internal/realtime/envelope"
	"github.com/jankosk/norish-sub000/internal/realtime/filter"
	"github.com/jankosk/norish-sub000/internal/realtime/mux"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// subscribeAll opens a direct subscription on every variant of the
// (domain, event) pair for the identity.
func subscribeAll(t *testing.T, e *Emitter, ident channel.Identity, domain, event string) []*mux.Subscription {
	t.Helper()
	var subs []*mux.Subscription
	for _, name := range channel.Variants("norish", domain, ident, event) {
		sub, err := e.SubscribeDirect(context.Background(), name, filter.Filter{})
		if err != nil {
			t.Fatalf("subscribe %s: %v", name, err)
		}
		subs = append(subs, sub)
	}
	return subs
}

func TestEmitByPolicyDeliversExactlyOnce(t *testing.T) {
	cases := []struct {
		policy Policy
		scope  channel.Scope
	}{
		{PolicyBroadcast, channel.ScopeBroadcast},
		{PolicyHousehold, channel.ScopeHousehold},
		{PolicyOwner, channel.ScopeUser},
	}
	for _, tc := range cases {
		t.Run(string(tc.policy), func(t *testing.T) {
			client := newTestRedis(t)
			e := New(client, "norish", Options{})
			ident := channel.Identity{UserID: "u1", HouseholdID: "h1"}
			subs := subscribeAll(t, e, ident, "recipes", "updated")

			out, stop := Merge(context.Background(), subs...)
			defer stop()

			evctx := EventContext{UserID: "u1", HouseholdID: "h1"}
			if err := e.EmitByPolicy(context.Background(), tc.policy, evctx, "recipes", "updated", map[string]any{"id": "r1"}); err != nil {
				t.Fatalf("emit: %v", err)
			}

			select {
			case env := <-out:
				if env.Scope != tc.scope {
					t.Fatalf("scope: got %q want %q", env.Scope, tc.scope)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no delivery")
			}
			// The two remaining variants stay silent.
			select {
			case env := <-out:
				t.Fatalf("duplicate delivery: %+v", env)
			case <-time.After(200 * time.Millisecond):
			}
		})
	}
}

func TestHouseholdPolicyWithoutHouseholdNarrowsToOwner(t *testing.T) {
	client := newTestRedis(t)
	e := New(client, "norish", Options{})
	ident := channel.Identity{UserID: "u7"}
	subs := subscribeAll(t, e, ident, "groceries", "item-added")

	out, stop := Merge(context.Background(), subs...)
	defer stop()

	evctx := EventContext{UserID: "u7"}
	if err := e.EmitByPolicy(context.Background(), PolicyHousehold, evctx, "groceries", "item-added", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	select {
	case env := <-out:
		if env.Scope != channel.ScopeUser || env.ScopeID != "u7" {
			t.Fatalf("expected owner scope, got %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestEmitWithoutAudienceFails(t *testing.T) {
	client := newTestRedis(t)
	e := New(client, "norish", Options{})
	err := e.EmitByPolicy(context.Background(), PolicyOwner, EventContext{}, "recipes", "updated", nil)
	if !errors.Is(err, ErrNoAudience) {
		t.Fatalf("expected ErrNoAudience, got %v", err)
	}
}

func TestPolicyTable(t *testing.T) {
	client := newTestRedis(t)
	e := New(client, "norish", Options{})
	if p := e.PolicyFor("recipes", "updated"); p != PolicyHousehold {
		t.Fatalf("default policy: %q", p)
	}
	if err := e.SetPolicy("recipes", "updated", PolicyBroadcast); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if p := e.PolicyFor("recipes", "updated"); p != PolicyBroadcast {
		t.Fatalf("policy after set: %q", p)
	}
	if err := e.SetPolicy("recipes", "updated", Policy("everyone")); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestMergeNoStarvationAndPerSourceOrder(t *testing.T) {
	client := newTestRedis(t)
	e := New(client, "norish", Options{})

	chA := channel.Name("norish", "recipes", channel.ScopeUser, "u1", "updated")
	chB := channel.Name("norish", "recipes", channel.ScopeHousehold, "h1", "updated")
	subA, err := e.SubscribeDirect(context.Background(), chA, filter.Filter{})
	if err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	subB, err := e.SubscribeDirect(context.Background(), chB, filter.Filter{})
	if err != nil {
		t.Fatalf("subscribe B: %v", err)
	}

	out, stop := Merge(context.Background(), subA, subB)
	defer stop()

	pub := func(ch string, scope channel.Scope, scopeID string, seq int) {
		t.Helper()
		b, err := envelope.Encode(envelope.Envelope{
			Domain: "recipes", Event: "updated", Scope: scope, ScopeID: scopeID,
			At: time.Now(), Data: map[string]any{"seq": fmt.Sprint(seq)},
		})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := client.Publish(context.Background(), ch, b).Err(); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	const nA = 10
	for i := 0; i < nA; i++ {
		pub(chA, channel.ScopeUser, "u1", i)
	}
	time.Sleep(50 * time.Millisecond)
	pub(chB, channel.ScopeHousehold, "h1", 0)

	var fromB int
	lastA := -1
	deadline := time.After(2 * time.Second)
	for n := 0; n < nA+1; n++ {
		select {
		case env := <-out:
			seq := env.Data.(map[string]any)["seq"].(string)
			if env.Scope == channel.ScopeHousehold {
				fromB++
				continue
			}
			var i int
			fmt.Sscan(seq, &i)
			if i <= lastA {
				t.Fatalf("source order violated: %d after %d", i, lastA)
			}
			lastA = i
		case <-deadline:
			t.Fatalf("merged stream stalled after %d items", n)
		}
	}
	if fromB != 1 {
		t.Fatalf("starved slow source: got %d items from B", fromB)
	}
}

func TestMergeStopClosesOutput(t *testing.T) {
	client := newTestRedis(t)
	e := New(client, "norish", Options{})
	ch := channel.Name("norish", "recipes", channel.ScopeUser, "u1", "updated")
	sub, err := e.SubscribeDirect(context.Background(), ch, filter.Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	out, stop := Merge(context.Background(), sub)
	stop()
	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed output")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output did not close")
	}
}
