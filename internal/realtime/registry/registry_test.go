package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"github.com/jankosk/norish-sub000/internal/realtime/channel"
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

type fakeConn struct {
	id    string
	ident channel.Identity

	mu         sync.Mutex
	terminated bool
	reason     string
}

func (f *fakeConn) ID() string                 { return f.id }
func (f *fakeConn) Identity() channel.Identity { return f.ident }
func (f *fakeConn) Terminate(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated {
		return
	}
	f.terminated = true
	f.reason = reason
}

func (f *fakeConn) state() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated, f.reason
}

func TestTerminateLocalReachesAllDevicesOfUser(t *testing.T) {
	r := New(newTestRedis(t), "norish", Options{})
	phone := &fakeConn{id: "c1", ident: channel.Identity{UserID: "u1"}}
	laptop := &fakeConn{id: "c2", ident: channel.Identity{UserID: "u1"}}
	other := &fakeConn{id: "c3", ident: channel.Identity{UserID: "u2"}}
	r.Register(phone)
	r.Register(laptop)
	r.Register(other)
	if n := r.Count(); n != 3 {
		t.Fatalf("count: %d", n)
	}

	if n := r.TerminateLocal("u1", "password-changed"); n != 2 {
		t.Fatalf("terminated: %d", n)
	}
	for _, c := range []*fakeConn{phone, laptop} {
		done, reason := c.state()
		if !done || reason != "password-changed" {
			t.Fatalf("conn %s not terminated: %v %q", c.id, done, reason)
		}
	}
	if done, _ := other.state(); done {
		t.Fatal("foreign user terminated")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New(newTestRedis(t), "norish", Options{})
	c := &fakeConn{id: "c1", ident: channel.Identity{UserID: "u1"}}
	r.Register(c)
	r.Unregister(c)
	r.Unregister(c)
	if n := r.Count(); n != 0 {
		t.Fatalf("count after unregister: %d", n)
	}
	if n := r.TerminateLocal("u1", "x"); n != 0 {
		t.Fatalf("terminated after unregister: %d", n)
	}
}

func TestRegisterRacingLastUnregisterStaysReachable(t *testing.T) {
	r := New(newTestRedis(t), "norish", Options{})
	ident := channel.Identity{UserID: "u1"}
	for i := 0; i < 200; i++ {
		old := &fakeConn{id: "old", ident: ident}
		r.Register(old)
		fresh := &fakeConn{id: "new", ident: ident}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Unregister(old)
		}()
		go func() {
			defer wg.Done()
			r.Register(fresh)
		}()
		wg.Wait()

		// Whatever the interleaving, the surviving connection must still be
		// indexed where TerminateLocal can find it.
		if n := r.TerminateLocal("u1", "rotate"); n != 1 {
			t.Fatalf("iteration %d: terminated %d connections, want 1", i, n)
		}
		if done, _ := fresh.state(); !done {
			t.Fatalf("iteration %d: surviving connection unreachable", i)
		}
		r.Unregister(fresh)
	}
	if n := r.Count(); n != 0 {
		t.Fatalf("count after churn: %d", n)
	}
}

func TestInvalidationCrossesProcesses(t *testing.T) {
	client := newTestRedis(t)
	sender := New(client, "norish", Options{})
	receiver := New(client, "norish", Options{})

	c := &fakeConn{id: "c1", ident: channel.Identity{UserID: "u1"}}
	receiver.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- receiver.Listen(ctx) }()
	// Listen subscribes before returning messages; give it a beat.
	time.Sleep(50 * time.Millisecond)

	if err := sender.Terminate(context.Background(), "u1", "logout-all"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if terminated, reason := c.state(); terminated {
			if reason != "logout-all" {
				t.Fatalf("reason: %q", reason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("invalidation never arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not stop")
	}
}

func TestMalformedInvalidationIsSkipped(t *testing.T) {
	client := newTestRedis(t)
	r := New(client, "norish", Options{})
	c := &fakeConn{id: "c1", ident: channel.Identity{UserID: "u1"}}
	r.Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx) }()
	time.Sleep(50 * time.Millisecond)

	inv := channel.Invalidation("norish")
	if err := client.Publish(context.Background(), inv, "{not json").Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Publish(context.Background(), inv, `{"user_id":"u1","reason":"ok"}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if terminated, _ := c.state(); terminated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("valid invalidation after garbage never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestCloseAllTerminatesEverything(t *testing.T) {
	r := New(newTestRedis(t), "norish", Options{})
	conns := []*fakeConn{
		{id: "c1", ident: channel.Identity{UserID: "u1"}},
		{id: "c2", ident: channel.Identity{UserID: "u2"}},
		{id: "c3", ident: channel.Identity{UserID: "u3"}},
	}
	for _, c := range conns {
		r.Register(c)
	}
	r.CloseAll("shutdown")
	for _, c := range conns {
		if done, reason := c.state(); !done || reason != "shutdown" {
			t.Fatalf("conn %s: %v %q", c.id, done, reason)
		}
	}
}
