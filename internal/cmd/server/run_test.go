package serverrun

import (
	"sync"
	"testing"
	"time"

	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

func TestShutdownRunsStagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	shutdown(logpkg.NewNop(), time.Second, []stage{
		{"http", record("http")},
		{"connections", record("connections")},
		{"workers", record("workers")},
		{"queues", record("queues")},
		{"store", record("store")},
	})
	mu.Lock()
	defer mu.Unlock()
	want := []string{"http", "connections", "workers", "queues", "store"}
	if len(order) != len(want) {
		t.Fatalf("stages run: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("stage order: %v", order)
		}
	}
}

func TestShutdownAbandonsStuckStage(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	var ran sync.WaitGroup
	ran.Add(1)
	start := time.Now()
	shutdown(logpkg.NewNop(), 50*time.Millisecond, []stage{
		{"stuck", func() { <-release }},
		{"after", func() { ran.Done() }},
	})
	took := time.Since(start)
	done := make(chan struct{})
	go func() { ran.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stage after the stuck one never ran")
	}
	if took > time.Second {
		t.Fatalf("stuck stage blocked the sequence for %v", took)
	}
}
