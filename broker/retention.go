package broker

import (
	"context"
	"time"

	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/logger"
	"github.com/nexus-streaming/nexus/raft"
	"github.com/nexus-streaming/nexus/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// runRetention enforces topic retention every interval until ctx is done.
func (b *Broker) runRetention(ctx context.Context, interval time.Duration) {
	defer b.wg.Done()

	log := b.logger.With(zap.String("service", "retention"))
	log.Info("Starting retention enforcement", logger.DurationLiteral("check_interval", interval))

	ticker := b.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := b.EnforceRetention(ctx); err != nil {
				log.Warn("Retention enforcement failed", zap.Error(err))
			}
		case <-ctx.Done():
			log.Info("Terminating retention enforcement")
			return
		}
	}
}

// EnforceRetention removes messages older than their topic's retention from
// every hosted partition and returns the number removed. Topics without a
// retention keep everything.
func (b *Broker) EnforceRetention(ctx context.Context) (int, error) {
	type target struct {
		engine *raft.Engine
		info   nexus.Partition
		maxAge time.Duration
	}

	b.mu.RLock()
	if !b.opened() {
		b.mu.RUnlock()
		return 0, ErrClosed
	}
	var targets []target
	for _, p := range b.partitions {
		if p.hosted() && p.topic.RetentionMs > 0 {
			targets = append(targets, target{engine: p.engine, info: p.info, maxAge: time.Duration(p.topic.RetentionMs) * time.Millisecond})
		}
	}
	b.mu.RUnlock()

	var total int
	var err error
	now := b.clock.Now()
	for _, t := range targets {
		n, cerr := t.engine.Compact(ctx, storage.RetentionPolicy{Before: now, MaxAge: t.maxAge})
		if cerr != nil {
			err = multierr.Append(err, cerr)
			continue
		}
		if n > 0 {
			b.metrics.Compacted.WithLabelValues(t.info.Topic).Add(float64(n))
			b.logger.Debug("Removed expired messages", logger.Group(t.info.Group()), zap.Int("removed", n))
		}
		total += n
	}
	return total, err
}
