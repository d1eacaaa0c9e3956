package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandbooks/runbox/internal/config"
	"github.com/sandbooks/runbox/internal/db"
	"github.com/sandbooks/runbox/internal/pubsub"
	"github.com/sandbooks/runbox/internal/services/apikey"
	"github.com/sandbooks/runbox/internal/services/job"
	"github.com/sandbooks/runbox/pkg/hopx"
	"github.com/sandbooks/runbox/pkg/sandbox"
	"github.com/sandbooks/runbox/pkg/terminal"
)

type Services struct {
	Manager  *sandbox.Manager
	Executor *sandbox.Executor
	Terminal *terminal.Registry
	Job      *job.JobService

	// APIKey and PubSub are nil when no database is configured; auth then
	// degrades to JWT_SECRET-only mode.
	APIKey *apikey.APIKeyService
	PubSub *pubsub.PubSub
}

func NewServices(conf *config.Config) *Services {
	factory := hopx.NewClient(hopx.ClientConfig{
		BaseURL: conf.HOPX_BASE_URL,
		APIKey:  conf.HOPX_API_KEY,
	})

	breaker := sandbox.NewBreaker(conf.BREAKER_MAX_FAILURES, conf.BREAKER_RECOVERY_TIMEOUT, nil)

	manager := sandbox.NewManager(factory, breaker, sandbox.ManagerConfig{
		Template:            conf.HOPX_TEMPLATE,
		TTL:                 conf.SANDBOX_TTL,
		HealthCacheDuration: conf.HEALTH_CACHE_DURATION,
		ExpiryBuffer:        conf.EXPIRY_BUFFER,
	}, nil)

	executor := sandbox.NewExecutor(manager, breaker, sandbox.ExecutorConfig{
		MaxTimeout:      conf.MAX_EXECUTION_TIMEOUT,
		RetryDelays:     []time.Duration{time.Second, 2 * time.Second},
		ResetRetryDelay: 500 * time.Millisecond,
	}, nil)

	registry := terminal.NewRegistry(manager, terminal.Config{
		MaxSessions:       conf.MAX_SESSIONS,
		IdleTimeout:       conf.SESSION_IDLE_TIMEOUT,
		CleanupInterval:   conf.SESSION_CLEANUP_INTERVAL,
		HeartbeatInterval: conf.HEARTBEAT_INTERVAL,
		MaxHistory:        conf.MAX_COMMAND_HISTORY,
	}, nil)
	registry.Start()

	var store job.Store
	if conf.REDIS_ADDR != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     conf.REDIS_ADDR,
			Password: conf.REDIS_PASSWORD,
			DB:       conf.REDIS_DB,
		})
		store = job.NewRedisStore(client, conf.JOB_RETENTION)
		slog.Info("Using redis job store", slog.String("addr", conf.REDIS_ADDR))
	} else {
		store = job.NewMemoryStore(conf.JOB_RETENTION)
		slog.Info("Using in-memory job store")
	}

	svc := &Services{
		Manager:  manager,
		Executor: executor,
		Terminal: registry,
		Job:      job.NewJobService(store, executor),
	}

	if conf.DatabaseConfigured() {
		dbconn := db.NewConn(conf)
		svc.APIKey = apikey.NewAPIKeyService(apikey.NewAPIKeyRepo(dbconn))

		ps := pubsub.NewPubSub(conf)
		ps.Subscribe(func(event pubsub.ConfigChangeEvent) {
			if event.ChangeType == pubsub.ChangeTypeAPIKey {
				svc.APIKey.InvalidateCache()
			}
		})
		if err := ps.Start(); err != nil {
			slog.Warn("Unable to start config change listener", slog.Any("error", err))
		} else {
			svc.PubSub = ps
		}
	}

	return svc
}

// Shutdown tears the services down in dependency order: stop taking config
// changes, drain jobs, destroy sessions, then terminate the shared sandbox.
func (s *Services) Shutdown(ctx context.Context) {
	if s.PubSub != nil {
		s.PubSub.Stop()
	}

	s.Job.Shutdown(ctx)
	s.Terminal.Shutdown(ctx)
	s.Manager.Close(ctx)
}
