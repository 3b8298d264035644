package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

const heartbeatInterval = 30 * time.Second

var errConsumerStopped = errors.New("ingestion consumer returned without cancellation")

type pinger interface {
	Ping(ctx context.Context) error
}

type consumer interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Logger   *logger.Logger
	DB       pinger
	Redis    pinger
	PubSub   pinger
	Consumer consumer
}

type dependency struct {
	name string
	p    pinger
}

// Service runs the ingestion consumer once its dependencies answer, and keeps
// pinging them on a heartbeat while it runs.
type Service struct {
	logg      *logger.Logger
	deps      []dependency
	consumer  consumer
	heartbeat time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.Redis == nil:
		return nil, errors.New("redis client is required")
	case params.PubSub == nil:
		return nil, errors.New("pubsub client is required")
	case params.Consumer == nil:
		return nil, errors.New("ingestion consumer is required")
	}
	return &Service{
		logg: params.Logger,
		deps: []dependency{
			{"database", params.DB},
			{"redis", params.Redis},
			{"pubsub", params.PubSub},
		},
		consumer:  params.Consumer,
		heartbeat: heartbeatInterval,
	}, nil
}

// checkDeps pings every dependency and returns the first failure.
func (s *Service) checkDeps(ctx context.Context) error {
	for _, dep := range s.deps {
		if err := dep.p.Ping(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", dep.name, err)
		}
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if err := s.checkDeps(ctx); err != nil {
		s.logg.Error(ctx, "worker dependencies not ready", err)
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.consumer.Run(gctx)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			s.logg.Error(gctx, "ingestion consumer stopped unexpectedly", err)
			return err
		case gctx.Err() == nil:
			return errConsumerStopped
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				// A failed ping is logged, not fatal; the consumer nacks
				// until the dependency is back.
				if err := s.checkDeps(gctx); err != nil {
					s.logg.Warn(s.logg.WithField(gctx, "error", err.Error()), "worker heartbeat degraded")
					continue
				}
				s.logg.Debug(gctx, "worker heartbeat")
			}
		}
	})

	err := g.Wait()
	if err == nil {
		s.logg.Info(ctx, "worker context canceled")
		return ctx.Err()
	}
	return err
}
