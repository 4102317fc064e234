package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/acme/outbound-voice-bridge/internal/bridge"
	"github.com/acme/outbound-voice-bridge/internal/config"
	"github.com/acme/outbound-voice-bridge/internal/domain"
	"github.com/acme/outbound-voice-bridge/internal/infra/db"
	"github.com/acme/outbound-voice-bridge/internal/infra/redis"
	"github.com/acme/outbound-voice-bridge/internal/migrations"
	"github.com/acme/outbound-voice-bridge/internal/queue"
	"github.com/acme/outbound-voice-bridge/internal/realtime"
	"github.com/acme/outbound-voice-bridge/internal/repository"
	pgrepo "github.com/acme/outbound-voice-bridge/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-voice-bridge/internal/repository/scylla"
	"github.com/acme/outbound-voice-bridge/internal/scoring"
	"github.com/acme/outbound-voice-bridge/internal/service/attempt"
	"github.com/acme/outbound-voice-bridge/internal/service/concurrency"
	"github.com/acme/outbound-voice-bridge/internal/service/enqueue"
	"github.com/acme/outbound-voice-bridge/internal/telephony"
	telephonyMock "github.com/acme/outbound-voice-bridge/internal/telephony/mock"
	"github.com/acme/outbound-voice-bridge/internal/telephony/twilio"
	"github.com/acme/outbound-voice-bridge/internal/tools"
	"github.com/acme/outbound-voice-bridge/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Events   *queue.EventStream

	routes   *telephony.Routes
	profiles *realtime.Profiles
	scorer   scoring.Scorer

	// lazily initialised components
	components struct {
		once        sync.Once
		store       *repository.Store
		transcripts *scyllarepo.TranscriptArchive
		gateway     telephony.Gateway
		publisher   *queue.EventPublisher
		limiter     *concurrency.Limiter
		recorder    *attempt.Recorder
		dispatcher  *tools.Dispatcher
		scoring     *scoring.Service
		enqueue     *enqueue.Service
		bridge      *bridge.Manager
	}
}

// Build constructs a container for the given configuration path. Everything
// that can be checked at startup is checked here.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	routes, err := telephony.NewRoutes(cfg.Telephony.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap routes: %w", err)
	}

	profiles, err := realtime.LoadProfiles(cfg.Realtime)
	if err != nil {
		return nil, fmt.Errorf("bootstrap voice profiles: %w", err)
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}
	if cfg.Postgres.AutoMigrate {
		if err := migrations.Up(ctx, pg.DB().DB); err != nil {
			return nil, fmt.Errorf("bootstrap migrations: %w", err)
		}
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	events, err := queue.NewEventStream(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Events:   events,
		routes:   routes,
		profiles: profiles,
	}

	if cfg.Scoring.Enabled {
		scorer, err := scoring.NewGeminiScorer(ctx, cfg.Scoring)
		if err != nil {
			return nil, fmt.Errorf("bootstrap scoring: %w", err)
		}
		container.scorer = scorer
	}

	if !cfg.Scylla.DisableInitSchema {
		if err := container.Transcripts().EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap transcript schema: %w", err)
		}
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config
		sqlDB := c.Postgres.DB()

		store := &repository.Store{
			Leads:      pgrepo.NewLeadRepository(sqlDB),
			Campaigns:  pgrepo.NewCampaignRepository(sqlDB),
			CallLogs:   pgrepo.NewCallLogRepository(sqlDB),
			Attempts:   pgrepo.NewCallAttemptRepository(sqlDB),
			Queue:      pgrepo.NewQueueRepository(sqlDB),
			Personnel:  pgrepo.NewPersonnelRepository(sqlDB),
			AgentCalls: pgrepo.NewAgentCallRepository(sqlDB),
			Pipelines:  pgrepo.NewPipelineRepository(sqlDB),
			Insights:   pgrepo.NewInsightRepository(sqlDB),
			Stats:      pgrepo.NewCampaignStatisticsRepository(sqlDB),
		}

		var gateway telephony.Gateway
		switch cfg.Telephony.Provider {
		case "mock":
			gateway = telephonyMock.NewGateway()
		default:
			gateway = twilio.New(cfg.Telephony)
		}

		host, _ := os.Hostname()
		owner := fmt.Sprintf("%s:%d", host, os.Getpid())

		comps := &c.components
		comps.store = store
		comps.transcripts = scyllarepo.NewTranscriptArchive(c.Scylla.Session(), cfg.Scylla.TranscriptTTL)
		comps.gateway = gateway
		comps.publisher = c.Events.Publisher()
		comps.limiter = concurrency.NewLimiter(c.Redis.Inner(), cfg.Throttle.DefaultPerCampaign,
			cfg.Throttle.SlotTTL, cfg.Throttle.SessionClaimTTL, owner)
		comps.recorder = attempt.NewRecorder(store.Attempts, domain.RetryPolicy{Delays: cfg.Retry.Delays})
		comps.dispatcher = tools.NewDispatcher(store, gateway, c.routes, tools.Options{
			DefaultTransferNumber: cfg.Telephony.DefaultTransferNumber,
			TransferDelay:         cfg.Bridge.TransferDelay,
			HangupDelay:           cfg.Bridge.HangupDelay,
		})
		comps.enqueue = enqueue.NewService(store)

		deps := bridge.Deps{
			Store:       store,
			Transcripts: comps.transcripts,
			Recorder:    comps.recorder,
			Tools:       comps.dispatcher,
			Gateway:     gateway,
			Dial:        bridge.DialerFunc(realtime.NewDialer(cfg.Realtime)),
			Profiles:    c.profiles,
			Claims:      comps.limiter,
			Slots:       comps.limiter,
			Publisher:   comps.publisher,
			Logger:      c.Logger.Named("bridge"),
		}
		if c.scorer != nil {
			comps.scoring = scoring.NewService(c.scorer, store, c.Logger.Named("scoring"))
			deps.Scoring = comps.scoring
		}
		comps.bridge = bridge.NewManager(cfg.Bridge, deps)
	})
}

// Store exposes the record store.
func (c *Container) Store() *repository.Store {
	c.initComponents()
	return c.components.store
}

// Transcripts exposes the utterance archive.
func (c *Container) Transcripts() *scyllarepo.TranscriptArchive {
	c.initComponents()
	return c.components.transcripts
}

// Gateway exposes the telephony carrier.
func (c *Container) Gateway() telephony.Gateway {
	c.initComponents()
	return c.components.gateway
}

// Routes exposes the public carrier callback URLs.
func (c *Container) Routes() *telephony.Routes {
	return c.routes
}

// Publisher exposes the call event publisher.
func (c *Container) Publisher() queue.Publisher {
	c.initComponents()
	return c.components.publisher
}

// Limiter exposes the campaign slot and session claim limiter.
func (c *Container) Limiter() *concurrency.Limiter {
	c.initComponents()
	return c.components.limiter
}

// Recorder exposes the attempt recorder.
func (c *Container) Recorder() *attempt.Recorder {
	c.initComponents()
	return c.components.recorder
}

// Enqueue exposes the dial queue service.
func (c *Container) Enqueue() *enqueue.Service {
	c.initComponents()
	return c.components.enqueue
}

// Bridge exposes the call bridge manager.
func (c *Container) Bridge() *bridge.Manager {
	c.initComponents()
	return c.components.bridge
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publisher; p != nil {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures the call event topic exists.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Events.Provision(ctx)
}
