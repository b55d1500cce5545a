package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alfredjeanlab/switchboard/internal/auth"
	"github.com/alfredjeanlab/switchboard/internal/bus"
	"github.com/alfredjeanlab/switchboard/internal/config"
	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/eventlog"
	"github.com/alfredjeanlab/switchboard/internal/events"
	"github.com/alfredjeanlab/switchboard/internal/gateway"
	"github.com/alfredjeanlab/switchboard/internal/idempotency"
	"github.com/alfredjeanlab/switchboard/internal/presence"
	"github.com/alfredjeanlab/switchboard/internal/sequence"
	"github.com/alfredjeanlab/switchboard/internal/server"
	"github.com/alfredjeanlab/switchboard/internal/session"
)

const sweepInterval = time.Minute

// sweeper is implemented by the in-memory session and idempotency stores.
type sweeper interface {
	Sweep() int
}

// app is one fully wired gateway node.
type app struct {
	cfg       *config.Config
	bus       *bus.Bus
	log       eventlog.Log
	fanout    events.Fanout
	manager   *gateway.Manager
	server    *server.Server
	health    *health.Server
	coalescer *presence.Coalescer
	typing    *presence.Typing

	sweepers []sweeper
	closers  []func() error
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// newApp connects the configured backends. Empty URLs select the in-process
// implementations so a single node runs with only a JWT secret.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.closeBackends()
		}
	}()

	checks := map[string]server.HealthCheck{}
	logOpts := eventlog.Options{Capacity: cfg.LogCapacity, MaxAge: cfg.LogMaxAge}

	var (
		seq      sequence.Store
		sessions session.Store
		idem     idempotency.Registry
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }

		seq = sequence.NewRedis(rdb)
		a.log = eventlog.NewRedis(rdb, logOpts)
		sessions = session.NewRedis(rdb)
		idem = idempotency.NewRedis(rdb, cfg.IdempotencyTTL)
		slog.Info("redis backends enabled", "addr", opts.Addr)
	} else {
		seq = sequence.NewMemory()
		a.log = eventlog.NewMemory(logOpts)
		memSessions := session.NewMemory(nil)
		memIdem := idempotency.NewMemory(cfg.IdempotencyTTL, nil)
		sessions, idem = memSessions, memIdem
		a.sweepers = append(a.sweepers, memSessions, memIdem)
		slog.Info("in-memory backends (SWITCHBOARD_REDIS_URL not set)")
	}

	if cfg.NATSURL != "" {
		nf, err := events.NewNATSFanout(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		a.fanout = nf
		checks["nats"] = nf.Ping
		slog.Info("nats fanout enabled", "nats_url", cfg.NATSURL)
	} else {
		a.fanout = events.NewHub()
		slog.Info("in-process fanout (SWITCHBOARD_NATS_URL not set)")
	}

	var dir directory.Directory
	if cfg.DatabaseURL != "" {
		pg, err := directory.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		checks["postgres"] = pg.Ping
		dir = pg
	} else {
		static := directory.NewStatic()
		for _, m := range cfg.Members {
			static.Set(directory.Membership{UserID: m.UserID, Servers: m.Servers, Channels: m.Channels, DMs: m.DMs})
		}
		dir = static
		slog.Info("static directory (SWITCHBOARD_DATABASE_URL not set)", "members", len(cfg.Members))
	}

	a.bus = bus.New(seq, a.log, a.fanout, bus.Options{MaxResyncLimit: cfg.ResyncLimit})
	a.coalescer = presence.NewCoalescer(a.bus, dir, cfg.PresenceWindow, presence.AfterFunc)
	a.typing = presence.NewTyping(a.bus, cfg.TypingTimeout, presence.AfterFunc)

	a.manager = gateway.NewManager(a.bus, gateway.Deps{
		Directory:   dir,
		Sessions:    sessions,
		Idempotency: idem,
		Presence:    a.coalescer,
		Typing:      a.typing,
		Messages:    gateway.NewMemoryMessages(nil),
		Notifier:    gateway.NewMentionNotifier(a.bus, dir),
	}, gateway.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTTL:        cfg.SessionTTL,
		ResyncLimit:       cfg.ResyncLimit,
		LegacyFrames:      cfg.LegacyFrames,
	})

	a.server = server.New(a.bus, server.Options{
		Directory:    dir,
		Verifier:     auth.NewVerifier(cfg.JWTSecret),
		ServiceToken: cfg.ServiceToken,
		Gateway:      a.manager,
		SSEHeartbeat: cfg.SSEHeartbeat,
		Checks:       checks,
	})

	a.health = health.NewServer()
	a.health.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return a, nil
}

// Handler returns the HTTP routes.
func (a *app) Handler() http.Handler {
	return a.server.NewHTTPHandler()
}

// Start runs background maintenance for the in-memory stores.
func (a *app) Start() {
	if len(a.sweepers) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stop = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range a.sweepers {
					s.Sweep()
				}
			}
		}
	}()
}

// Shutdown closes websocket sessions, stops timers and releases backends.
func (a *app) Shutdown(ctx context.Context) error {
	a.health.Shutdown()
	if a.stop != nil {
		a.stop()
	}
	a.wg.Wait()

	err := a.manager.Shutdown(ctx)
	a.typing.Close()
	a.coalescer.Stop()
	return errors.Join(err, a.closeBackends())
}

func (a *app) closeBackends() error {
	var errs []error
	if a.fanout != nil {
		errs = append(errs, a.fanout.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
