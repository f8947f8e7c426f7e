package queue

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/protocol"
)

// LocationStore persists the last known position of a user
type LocationStore interface {
	UpdateLastLocation(ctx context.Context, userID string, p domain.GeoPoint, at time.Time) error
}

type lastFix struct {
	point domain.GeoPoint
	at    time.Time
}

// BatchWriter consumes device events and writes each user's latest location.
// Fixes are coalesced per user, so a flush issues at most one write per user.
type BatchWriter struct {
	source        MessageSource
	store         LocationStore
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewBatchWriter creates a new batch writer
func NewBatchWriter(source MessageSource, store LocationStore, batchSize int, flushInterval time.Duration, logger *zap.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchWriter{
		source:        source,
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming and writing to the store
func (bw *BatchWriter) Start(ctx context.Context) {
	bw.wg.Add(1)
	go bw.run(ctx)
}

// Stop flushes the pending batch and waits for the writer to exit
func (bw *BatchWriter) Stop() {
	close(bw.stopCh)
	bw.wg.Wait()
}

func (bw *BatchWriter) run(ctx context.Context) {
	defer bw.wg.Done()

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgCh := make(chan kafka.Message, bw.batchSize)
	go func() {
		defer close(msgCh)
		for {
			msg, err := bw.source.Consume(consumeCtx)
			if err != nil {
				if consumeCtx.Err() != nil {
					return
				}
				bw.logger.Error("consumer error", zap.Error(err))
				select {
				case <-consumeCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case msgCh <- msg:
			case <-consumeCtx.Done():
				return
			}
		}
	}()

	// A batch whose flush failed is retried on every tick; no new messages
	// are read until it is written, so nothing after it gets committed first.
	var batch []kafka.Message
	retrying := false
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		in := msgCh
		if retrying {
			in = nil
		}

		select {
		case <-bw.stopCh:
			bw.flush(context.WithoutCancel(ctx), batch)
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if len(batch) > 0 {
				retrying = !bw.flush(ctx, batch)
				if !retrying {
					batch = nil
				}
			}

		case msg, ok := <-in:
			if !ok {
				return
			}
			batch = append(batch, msg)
			if len(batch) >= bw.batchSize {
				retrying = !bw.flush(ctx, batch)
				if !retrying {
					batch = nil
				}
			}
		}
	}
}

// flush writes the newest fix of every user in the batch, then commits the
// whole batch. It reports false when a write or the commit failed.
func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message) bool {
	if len(batch) == 0 {
		return true
	}

	latest := coalesce(batch, bw.logger)
	failed := 0
	for userID, fix := range latest {
		if err := bw.store.UpdateLastLocation(ctx, userID, fix.point, fix.at); err != nil {
			bw.logger.Error("failed to write last location",
				zap.String("protected_id", userID),
				zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return false
	}

	if err := bw.source.Commit(ctx, batch...); err != nil {
		bw.logger.Error("failed to commit offsets", zap.Error(err))
		return false
	}

	bw.logger.Debug("flushed last locations",
		zap.Int("messages", len(batch)),
		zap.Int("users", len(latest)))
	return true
}

// coalesce keeps the newest location fix per user from a batch of device
// events. Non-location and undecodable messages are ignored.
func coalesce(batch []kafka.Message, logger *zap.Logger) map[string]lastFix {
	latest := make(map[string]lastFix)
	for _, msg := range batch {
		ev, err := protocol.DecodeDeviceEvent(msg.Value)
		if err != nil {
			logger.Warn("dropping undecodable device event",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		if ev.Type != protocol.MsgTypeLocation || ev.Location == nil {
			continue
		}

		at := ev.ReceivedAt
		if sample, err := ev.Location.Sample(); err == nil && !sample.Timestamp.IsZero() {
			at = sample.Timestamp
		}
		if prev, ok := latest[ev.UserID]; ok && prev.at.After(at) {
			continue
		}
		latest[ev.UserID] = lastFix{
			point: domain.GeoPoint{Lat: ev.Location.Lat, Lon: ev.Location.Lon},
			at:    at,
		}
	}
	return latest
}
