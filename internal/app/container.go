package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/daily-callline/internal/config"
	"github.com/acme/daily-callline/internal/enrichment"
	"github.com/acme/daily-callline/internal/infra/db"
	"github.com/acme/daily-callline/internal/infra/redis"
	"github.com/acme/daily-callline/internal/queue"
	"github.com/acme/daily-callline/internal/repository"
	pgrepo "github.com/acme/daily-callline/internal/repository/postgres"
	"github.com/acme/daily-callline/internal/scheduler"
	"github.com/acme/daily-callline/internal/telephony"
	telephonyMock "github.com/acme/daily-callline/internal/telephony/mock"
	"github.com/acme/daily-callline/internal/webhook"
	"github.com/acme/daily-callline/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		providers    *providers
		publishers   *publishers
	}
}

type repositories struct {
	Customers repository.CustomerRepository
	CallQueue repository.CallQueueRepository
	CallLog   repository.CallLogRepository
}

type services struct {
	Scheduler  *scheduler.Service
	Processor  *queue.Processor
	Reconciler *webhook.Reconciler
}

type providers struct {
	Telephony telephony.Provider
	Extractor enrichment.ContextExtractor
}

type publishers struct {
	CallEvents *queue.CallEventPublisher
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Customers: pgrepo.NewCustomerRepository(c.Postgres.DB()),
			CallQueue: pgrepo.NewCallQueueRepository(c.Postgres.DB()),
			CallLog:   pgrepo.NewCallLogRepository(c.Postgres.DB()),
		}

		pubs := &publishers{
			CallEvents: queue.NewCallEventPublisher(c.Kafka, c.Config.Kafka.CallEventsTopic),
		}

		provs := &providers{
			Extractor: enrichment.NewHTTPExtractor(c.Config.Enrichment),
		}
		if c.Config.Voice.MockMode {
			provs.Telephony = telephonyMock.NewProvider()
		} else {
			provs.Telephony = telephony.NewHTTPProvider(c.Config.Voice)
		}

		lock := scheduler.NewTickLock(c.Redis.Inner(), c.Config.Scheduler.LockKey, c.Config.Scheduler.LockTTL)

		svcs := &services{}
		svcs.Scheduler = scheduler.NewService(
			repos.Customers,
			repos.CallQueue,
			c.Config.Scheduler,
			c.Config.Queue,
			lock,
			c.Logger,
		)
		svcs.Processor = queue.NewProcessor(
			repos.CallQueue,
			repos.Customers,
			repos.CallLog,
			provs.Telephony,
			telephony.NewSpecBuilder(c.Config.Voice),
			svcs.Scheduler,
			pubs.CallEvents,
			c.Config.Queue,
			c.Config.Voice.RequestTimeout,
			c.Config.Scheduler.DueLookAhead,
			c.Logger,
		)
		svcs.Reconciler = webhook.NewReconciler(
			repos.Customers,
			repos.CallQueue,
			repos.CallLog,
			svcs.Scheduler,
			pubs.CallEvents,
			c.Config.CallPolicy,
			c.Config.Queue,
			c.Logger,
		)

		c.components.repositories = repos
		c.components.services = svcs
		c.components.providers = provs
		c.components.publishers = pubs
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.CallEventsTopic}, 12, 1)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil && p.CallEvents != nil {
		if err := p.CallEvents.Close(); err != nil {
			errs = append(errs, fmt.Errorf("call event publisher close: %w", err))
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
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
