package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	cfgpkg "github.com/jankosk/norish-sub000/internal/config"
	"github.com/jankosk/norish-sub000/internal/jobs/handlers"
	"github.com/jankosk/norish-sub000/internal/jobs/manager"
	"github.com/jankosk/norish-sub000/internal/runtime"
	httpserver "github.com/jankosk/norish-sub000/internal/server/http"
	"github.com/jankosk/norish-sub000/internal/server/ws"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

// exit is swappable so the shutdown watchdog can be tested.
var exit = os.Exit

// Options configures a service process.
type Options struct {
	Config cfgpkg.Config
}

// Run starts the service and blocks until the context is canceled or a
// termination signal arrives, then walks the shutdown stages.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := opts.Config

	procLogger, err := logpkg.ApplyConfig(&logpkg.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		procLogger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return err
	}
	if err := rt.CheckHealth(sctx); err != nil {
		_ = rt.Close()
		return err
	}
	if err := rt.Jobs().Initialize(sctx); err != nil {
		_ = rt.Close()
		return err
	}

	procLogger.Info("starting norish realtime server",
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("namespace", cfg.Namespace),
		logpkg.Str("redis", cfg.Redis.Addr),
		logpkg.Dur("warm_idle", cfg.Jobs.WarmIdle.D()),
		logpkg.Dur("cold_shutdown", cfg.Jobs.ColdShutdown.D()))

	supervisor, err := startManagers(sctx, rt, cfg)
	if err != nil {
		_ = rt.Close()
		return err
	}

	invCtx, invCancel := context.WithCancel(context.Background())
	invDone := make(chan struct{})
	go func() {
		defer close(invDone)
		// Resubscribe on failure; without this listener, cross-process
		// invalidations would never reach local connections.
		for {
			err := rt.Connections().Listen(invCtx)
			if invCtx.Err() != nil {
				return
			}
			procLogger.Error("invalidation listener failed, resubscribing", logpkg.Err(err))
			select {
			case <-time.After(time.Second):
			case <-invCtx.Done():
				return
			}
		}
	}()

	wsHandler := ws.New(rt.Client(), cfg.Namespace, rt.Connections(), rt.Emitter(), ws.Options{
		Logger:  procLogger,
		Metrics: rt.Metrics(),
		DevMode: cfg.DevMode,
	})
	hsrv := httpserver.New(rt, wsHandler)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server failed", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	procLogger.Info("shutdown requested")

	// The watchdog force-exits if the staged sequence overruns its budget.
	watchdog := time.AfterFunc(cfg.Shutdown.HardCeiling.D(), func() {
		procLogger.Error("shutdown overran hard ceiling, forcing exit")
		exit(1)
	})
	defer watchdog.Stop()

	shutdown(procLogger, cfg.Shutdown.StageTimeout.D(), []stage{
		{"http", func() {
			hsrv.Close()
			wg.Wait()
		}},
		{"connections", func() {
			rt.Connections().CloseAll("server-shutdown")
			invCancel()
			<-invDone
		}},
		{"workers", func() {
			supervisor.CloseAll()
		}},
		{"queues", func() {
			rt.Jobs().CloseAll()
		}},
		{"store", func() {
			_ = rt.Close()
		}},
	})
	procLogger.Info("shutdown complete")
	return nil
}

// startManagers builds one lazy lifecycle manager per configured queue,
// held in a supervisor that enforces the per-queue singleton.
func startManagers(ctx context.Context, rt *runtime.Runtime, cfg cfgpkg.Config) (*manager.Supervisor, error) {
	queues, err := rt.Jobs().All()
	if err != nil {
		return nil, err
	}
	reg := handlers.New(rt.Emitter(), rt.Logger())
	supervisor := manager.NewSupervisor()
	for _, q := range queues {
		concurrency := cfg.Jobs.DefaultConcurrency
		if c, ok := cfg.Jobs.Concurrency[q.Name()]; ok {
			concurrency = c
		}
		m := manager.New(q, reg.Handler(q.Name()), manager.Options{
			Logger:       rt.Logger(),
			Metrics:      rt.Metrics(),
			WarmIdle:     cfg.Jobs.WarmIdle.D(),
			ColdShutdown: cfg.Jobs.ColdShutdown.D(),
			Concurrency:  concurrency,
			OnFailure:    reg.OnFailure(q.Name()),
		})
		if err := supervisor.Add(m); err != nil {
			supervisor.CloseAll()
			return nil, err
		}
		if err := m.Start(ctx); err != nil {
			supervisor.CloseAll()
			return nil, err
		}
	}
	return supervisor, nil
}

// stage is one step of the shutdown sequence.
type stage struct {
	name string
	run  func()
}

// shutdown runs the stages in order, bounding each one. A stage that
// overruns is abandoned so the remaining stages still get their turn; the
// watchdog is the final backstop.
func shutdown(logger logpkg.Logger, stageTimeout time.Duration, stages []stage) {
	for _, st := range stages {
		done := make(chan struct{})
		start := time.Now()
		go func(run func()) {
			defer close(done)
			run()
		}(st.run)
		select {
		case <-done:
			logger.Debug("shutdown stage complete",
				logpkg.Str("stage", st.name),
				logpkg.Dur("took", time.Since(start)))
		case <-time.After(stageTimeout):
			logger.Warn("shutdown stage timed out, continuing",
				logpkg.Str("stage", st.name))
		}
	}
}
