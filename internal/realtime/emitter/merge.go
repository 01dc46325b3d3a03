package emitter

import (
	"context"
	"sync"

	"github.com/jankosk/norish-sub000/internal/realtime/envelope"
	"github.com/jankosk/norish-sub000/internal/realtime/mux"
)

// Merge fans N subscriptions into one arrival-ordered stream. Each source
// has one dedicated pending read, so a slow or silent source cannot starve
// the rest, and every source's own order is preserved in the output.
//
// The returned stop function must be called when the caller is done: it
// signals every source to stop and closes it. The output channel closes
// once all sources have terminated. Under current policies at most one
// variant carries traffic per event, but the merge handles any number of
// simultaneously active sources.
func Merge(ctx context.Context, sources ...*mux.Subscription) (<-chan envelope.Envelope, func()) {
	out := make(chan envelope.Envelope)
	mctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(s *mux.Subscription) {
			defer wg.Done()
			for {
				env, err := s.Next(mctx)
				if err != nil {
					// Cancellation or teardown; neither is a failure here.
					return
				}
				select {
				case out <- env:
				case <-mctx.Done():
					return
				}
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			for _, s := range sources {
				s.Close()
			}
		})
	}
	return out, stop
}
