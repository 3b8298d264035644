// Package progress turns ingestion state changes into a stream of
// aggregate snapshots. Redis pub/sub pushes changes as they happen; polling
// only covers a missing or broken subscription.
package progress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/propwatch-backend/internal/ingestion"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

const channelScope = "ingestion"

type aggregator interface {
	Aggregate(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) (*ingestion.Snapshot, error)
}

type pubSub interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channels ...string) (*goredis.PubSub, error)
	ChannelKey(scope, id string) string
}

// Publisher tells watchers that a job changed. It implements ingestion.Notifier.
type Publisher struct {
	redis pubSub
	logg  *logger.Logger
}

func NewPublisher(redis pubSub, logg *logger.Logger) *Publisher {
	return &Publisher{redis: redis, logg: logg}
}

func (p *Publisher) JobChanged(ctx context.Context, jobID uuid.UUID) {
	if p == nil || p.redis == nil {
		return
	}
	if err := p.redis.Publish(ctx, p.redis.ChannelKey(channelScope, jobID.String()), jobID.String()); err != nil && p.logg != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "progress publish failed")
	}
}

// Observer produces snapshots for a set of jobs.
type Observer struct {
	agg          aggregator
	redis        pubSub
	logg         *logger.Logger
	pollInterval time.Duration
	// safetyInterval re-reads state while push is healthy, in case a
	// notification was dropped.
	safetyInterval time.Duration
}

// NewObserver builds an observer. A nil redis runs in polling mode only.
func NewObserver(agg aggregator, redis pubSub, logg *logger.Logger, pollInterval time.Duration) (*Observer, error) {
	if agg == nil {
		return nil, fmt.Errorf("aggregator required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Observer{
		agg:            agg,
		redis:          redis,
		logg:           logg,
		pollInterval:   pollInterval,
		safetyInterval: 5 * pollInterval,
	}, nil
}

// Watch emits a snapshot immediately and then whenever it changes. The
// channel closes once no job is processing or ctx ends.
func (o *Observer) Watch(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) (<-chan ingestion.Snapshot, error) {
	first, err := o.agg.Aggregate(ctx, ownerID, ids)
	if err != nil {
		return nil, err
	}

	out := make(chan ingestion.Snapshot, 1)
	out <- *first
	if first.Done() {
		close(out)
		return out, nil
	}

	var messages <-chan *goredis.Message
	var sub *goredis.PubSub
	interval := o.pollInterval
	if o.redis != nil {
		channels := make([]string, 0, len(first.Jobs))
		for _, job := range first.Jobs {
			channels = append(channels, o.redis.ChannelKey(channelScope, job.ID.String()))
		}
		sub, err = o.redis.Subscribe(ctx, channels...)
		if err != nil {
			o.logg.Warn(o.logg.WithField(ctx, "error", err.Error()), "progress push unavailable, polling")
		} else {
			messages = sub.Channel()
			interval = o.safetyInterval
		}
	}

	go func() {
		defer close(out)
		if sub != nil {
			defer sub.Close()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := signature(first)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					// Subscription dropped; fall back to polling.
					messages = nil
					ticker.Reset(o.pollInterval)
					continue
				}
				drain(messages)
			case <-ticker.C:
			}

			snap, err := o.agg.Aggregate(ctx, ownerID, ids)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logg.Error(ctx, "progress refresh failed", err)
				continue
			}
			if sig := signature(snap); sig != last {
				last = sig
				select {
				case out <- *snap:
				case <-ctx.Done():
					return
				}
			}
			if snap.Done() {
				return
			}
		}
	}()
	return out, nil
}

// drain coalesces notifications that piled up behind the one just received.
func drain(messages <-chan *goredis.Message) {
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func signature(s *ingestion.Snapshot) string {
	var b strings.Builder
	for _, j := range s.Jobs {
		fmt.Fprintf(&b, "%s:%s:%d:%d:%d;", j.ID, j.Status, j.ProcessedRows, j.FailedRows, j.TotalRows)
	}
	fmt.Fprintf(&b, "missing=%d", len(s.Missing))
	return b.String()
}
