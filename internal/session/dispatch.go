package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/engine"
	"github.com/smukkama/safety-engine/internal/protocol"
)

// Dispatcher routes device events to the engine of their user
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over registry
func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch applies one device event. The returned error means the event can
// never be applied (malformed payload, no capacity); engine outcomes are
// logged, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *protocol.DeviceEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("device event without user id")
	}
	log := d.logger.With(
		zap.String("protected_id", ev.UserID),
		zap.String("type", string(ev.Type)))

	if ev.Type == protocol.MsgTypeSignout {
		if d.registry.Close(ev.UserID) {
			log.Info("signed out")
		}
		return nil
	}

	s, err := d.registry.Open(ev.UserID)
	if err != nil {
		return err
	}
	eng := s.Engine

	var out engine.Outcome
	switch ev.Type {
	case protocol.MsgTypeLocation:
		if ev.Location == nil {
			return fmt.Errorf("location event without payload")
		}
		sample, err := ev.Location.Sample()
		if err != nil {
			return fmt.Errorf("invalid location timestamp: %w", err)
		}
		out = eng.HandleLocation(ctx, sample)

	case protocol.MsgTypeMotion:
		if ev.Motion == nil {
			return fmt.Errorf("motion event without payload")
		}
		at, err := ev.Motion.Time()
		if err != nil {
			return fmt.Errorf("invalid motion timestamp: %w", err)
		}
		out = eng.HandleMotion(ctx, ev.Motion.X, ev.Motion.Y, ev.Motion.Z, at)

	case protocol.MsgTypeSensor:
		kind, err := protocol.SensorKind(ev.Sensor)
		if err != nil {
			return err
		}
		out = eng.HandleSensorEvent(ctx, kind, ev.ReceivedAt)

	case protocol.MsgTypePanic:
		out = eng.Panic(ctx)

	case protocol.MsgTypeCancel:
		res, err := eng.Cancel(ctx, ev.PIN)
		if err != nil {
			log.Warn("cancel failed", zap.Error(err))
		}
		log.Info("cancel attempt", zap.Stringer("result", res))
		return nil

	case protocol.MsgTypeVideo:
		attached, err := eng.AttachVideo(ctx, ev.VideoURL)
		if err != nil {
			log.Error("failed to attach video", zap.Error(err))
		}
		log.Info("video received", zap.Bool("attached", attached))
		return nil

	default:
		return fmt.Errorf("unsupported device event type %q", ev.Type)
	}

	if out.Violation != nil {
		log.Debug("event evaluated",
			zap.String("kind", string(out.Violation.Kind)),
			zap.Bool("triggered", out.Triggered))
	}
	return nil
}

// IsCapacityError reports whether err means the registry is full
func IsCapacityError(err error) bool {
	return errors.Is(err, ErrMaxSessionsReached)
}
