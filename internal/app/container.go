package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/infra/db"
	"github.com/acme/outbound-dialer/internal/infra/redis"
	"github.com/acme/outbound-dialer/internal/queue"
	"github.com/acme/outbound-dialer/internal/repository"
	pgrepo "github.com/acme/outbound-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-dialer/internal/repository/scylla"
	"github.com/acme/outbound-dialer/internal/retry"
	"github.com/acme/outbound-dialer/internal/scheduler"
	campaignsvc "github.com/acme/outbound-dialer/internal/service/campaign"
	"github.com/acme/outbound-dialer/internal/service/lease"
	telephonySvc "github.com/acme/outbound-dialer/internal/telephony"
	telephonyMock "github.com/acme/outbound-dialer/internal/telephony/mock"
	"github.com/acme/outbound-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		providers    *providers
		scheduler    *scheduler.Scheduler
	}
}

type repositories struct {
	Queue    repository.QueueStore
	Leads    repository.LeadRepository
	Attempts repository.AttemptStore
}

type services struct {
	Campaign *campaignsvc.Service
}

type publishers struct {
	Outcome    *queue.OutcomePublisher
	DeadLetter *queue.DeadLetterPublisher
}

type providers struct {
	Telephony telephonySvc.Provider
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

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
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
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Queue:    pgrepo.NewQueueStore(c.Postgres.DB()),
			Leads:    pgrepo.NewLeadRepository(c.Postgres.DB()),
			Attempts: scyllarepo.NewAttemptStore(c.Scylla.Session()),
		}

		pubs := &publishers{
			Outcome:    queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.OutcomeTopic),
			DeadLetter: queue.NewDeadLetterPublisher(c.Kafka, c.Config.Kafka.DeadLetterTopic),
		}

		provs := &providers{
			Telephony: telephonyMock.NewProvider(c.Config.Dialer),
		}

		svcs := &services{
			Campaign: campaignsvc.New(repos.Queue, repos.Leads, c.Logger, nil),
		}

		sched := scheduler.New(scheduler.Deps{
			Store:       repos.Queue,
			Leads:       repos.Leads,
			Attempts:    repos.Attempts,
			Provider:    provs.Telephony,
			Leases:      lease.NewKeeper(c.Redis.Inner(), c.Config.Scheduler.LeaseTTL),
			Outcomes:    pubs.Outcome,
			DeadLetters: pubs.DeadLetter,
			Engine:      retry.NewEngine(nil),
			Logger:      c.Logger,
		}, scheduler.Options{
			CheckInterval:      c.Config.Scheduler.CheckInterval,
			MaxConcurrentCalls: c.Config.Scheduler.MaxConcurrentCalls,
			SortStrategy:       c.Config.Scheduler.SortStrategy,
			FetchBatchSize:     c.Config.Scheduler.FetchBatchSize,
			StopTimeout:        c.Config.Scheduler.StopTimeout,
			StuckTimeout:       c.Config.Scheduler.StuckTimeout,
			DefaultStrategy:    retry.ByName(c.Config.Retry.DefaultStrategy),
		})

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.providers = provs
		c.components.services = svcs
		c.components.scheduler = sched
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

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Scheduler exposes the call scheduler.
func (c *Container) Scheduler() *scheduler.Scheduler {
	c.initComponents()
	return c.components.scheduler
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Outcome != nil {
			if err := p.Outcome.Close(); err != nil {
				errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
			}
		}
		if p.DeadLetter != nil {
			if err := p.DeadLetter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("dead letter publisher close: %w", err))
			}
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

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.OutcomeTopic}
	if err := c.Kafka.EnsureTopics(ctx, topics, 48, 1); err != nil {
		return err
	}

	if c.Config.Kafka.DeadLetterTopic != "" {
		if err := c.Kafka.EnsureTopics(ctx, []string{c.Config.Kafka.DeadLetterTopic}, 12, 1); err != nil {
			return err
		}
	}

	return nil
}
