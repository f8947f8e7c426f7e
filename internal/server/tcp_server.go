package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/connection"
	"github.com/smukkama/safety-engine/internal/protocol"
	"github.com/smukkama/safety-engine/internal/timer"
	"github.com/smukkama/safety-engine/pkg/config"
)

// readTimeout bounds each blocking read so the loop can observe shutdown
const readTimeout = 30 * time.Second

// EventPublisher forwards device events; satisfied by queue.Producer
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// AlertFeed opens a user's live alert channel; satisfied by
// alerting.StateStore
type AlertFeed interface {
	Subscribe(ctx context.Context, userID string) *redis.PubSub
}

// TCPServer is the gateway protected devices connect to
type TCPServer struct {
	config      *config.GatewayConfig
	connManager *connection.Manager
	scheduler   *timer.Scheduler
	producer    EventPublisher
	alerts      AlertFeed
	logger      *zap.Logger
	listener    net.Listener
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopCh      chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewTCPServer creates a new gateway. alerts may be nil, in which case no
// alerts are pushed back to devices.
func NewTCPServer(cfg *config.GatewayConfig, connManager *connection.Manager, scheduler *timer.Scheduler, producer EventPublisher, alerts AlertFeed, logger *zap.Logger) *TCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		config:      cfg,
		connManager: connManager,
		scheduler:   scheduler,
		producer:    producer,
		alerts:      alerts,
		logger:      logger,
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the TCP server
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}

	s.listener = listener
	s.logger.Info("gateway listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr returns the listening address
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every device connection, then waits for
// the handlers to exit
func (s *TCPServer) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *TCPServer) stop() {
	close(s.stopCh)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, id := range s.connManager.GetAllConnections() {
		if client, ok := s.connManager.Get(id); ok {
			client.Conn.Close()
		}
	}

	s.wg.Wait()
	s.logger.Info("gateway stopped")
}

func (s *TCPServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("failed to accept connection", zap.Error(err))
				continue
			}
		}

		if s.connManager.Count() >= s.config.MaxConnections {
			s.logger.Warn("maximum connections reached, rejecting connection",
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connectionID := uuid.New().String()
	log := s.logger.With(zap.String("connection_id", connectionID))
	log.Debug("new connection", zap.String("remote", conn.RemoteAddr().String()))

	conn.SetReadDeadline(time.Now().Add(s.config.IdentifyTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		log.Debug("failed to read identify message", zap.Error(err))
		return
	}

	msg, err := protocol.ParseMessage([]byte(line))
	if err != nil {
		s.sendError(conn, log, "invalid message format", err)
		return
	}

	identifyMsg, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		s.sendError(conn, log, "expected identify message", fmt.Errorf("got %T", msg))
		return
	}
	userID := identifyMsg.UserID
	log = log.With(zap.String("protected_id", userID))

	client, err := s.connManager.Register(connectionID, userID, conn)
	if err != nil {
		s.sendError(conn, log, "failed to register", err)
		return
	}
	defer s.connManager.Unregister(connectionID)

	timerID := "inactivity-" + connectionID
	defer s.scheduler.Cancel(timerID)

	if s.alerts != nil {
		stop, err := s.forwardAlerts(client, log)
		if err != nil {
			log.Warn("alert subscription failed, alerts will not be pushed", zap.Error(err))
		} else {
			defer stop()
		}
	}

	if err := s.send(client, protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		log.Warn("failed to send ack", zap.Error(err))
		return
	}
	log.Info("device identified")

	s.scheduleInactivityTimer(timerID, connectionID, log)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Info("connection closed", zap.Error(err))
			return
		}

		s.connManager.UpdateActivity(connectionID)
		s.scheduleInactivityTimer(timerID, connectionID, log)

		msg, err := protocol.ParseMessage([]byte(line))
		if err != nil {
			log.Warn("invalid message", zap.Error(err))
			s.send(client, protocol.NewAckMessage(protocol.AckStatusError))
			continue
		}

		done, err := s.handleMessage(client, msg)
		if err != nil {
			log.Warn("failed to handle message", zap.Error(err))
			s.send(client, protocol.NewAckMessage(protocol.AckStatusError))
			continue
		}
		if done {
			log.Info("device signed out")
			return
		}
	}
}

// handleMessage acks or forwards one message. It reports done when the
// connection should be closed.
func (s *TCPServer) handleMessage(client *connection.ClientInfo, msg interface{}) (bool, error) {
	switch msg.(type) {
	case *protocol.KeepaliveMessage:
		return false, s.send(client, protocol.NewAckMessage(protocol.AckStatusAlive))

	case *protocol.IdentifyMessage:
		return false, fmt.Errorf("connection already identified")
	}

	ev := protocol.NewDeviceEvent(client.ConnectionID, client.UserID, msg, time.Now().UTC())
	if ev == nil {
		return false, fmt.Errorf("unsupported message type: %T", msg)
	}

	data, err := protocol.EncodeDeviceEvent(ev)
	if err != nil {
		return false, fmt.Errorf("failed to encode device event: %w", err)
	}

	// Keyed by user so one user's events stay on one partition, in order
	if err := s.producer.Publish(s.ctx, client.UserID, data); err != nil {
		return false, fmt.Errorf("failed to publish device event: %w", err)
	}

	if err := s.send(client, protocol.NewAckMessage(protocol.AckStatusAccepted)); err != nil {
		return false, err
	}
	return ev.Type == protocol.MsgTypeSignout, nil
}

// forwardAlerts subscribes to the user's alert channel and pushes every
// notification to the device. The returned func ends the subscription.
func (s *TCPServer) forwardAlerts(client *connection.ClientInfo, log *zap.Logger) (func(), error) {
	sub := s.alerts.Subscribe(s.ctx, client.UserID)
	if _, err := sub.Receive(s.ctx); err != nil {
		sub.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range sub.Channel() {
			n, err := protocol.DecodeAlertNotification([]byte(m.Payload))
			if err != nil {
				log.Warn("dropping malformed alert notification", zap.Error(err))
				continue
			}
			data, err := protocol.EncodeMessage(protocol.NewAlertMessage(n, s.config.VideoWindow))
			if err != nil {
				continue
			}
			if err := client.Write(data, s.config.WriteTimeout); err != nil {
				log.Warn("failed to push alert", zap.String("type", string(n.Type)), zap.Error(err))
			}
		}
	}()

	return func() {
		sub.Close()
		<-done
	}, nil
}

func (s *TCPServer) send(client *connection.ClientInfo, msg interface{}) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return client.Write(data, s.config.WriteTimeout)
}

func (s *TCPServer) sendError(conn net.Conn, log *zap.Logger, reason string, err error) {
	log.Warn(reason, zap.Error(err))
	data, encErr := protocol.EncodeMessage(protocol.NewAckMessage(protocol.AckStatusError))
	if encErr != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	conn.Write(append(data, '\n'))
}

func (s *TCPServer) scheduleInactivityTimer(timerID, connectionID string, log *zap.Logger) {
	expiryAt := time.Now().Add(s.config.InactivityTimeout)

	callback := func() {
		client, exists := s.connManager.Get(connectionID)
		if !exists {
			return
		}
		log.Info("inactivity timeout, closing connection")
		// Unregister happens in the handler's deferred cleanup
		client.Conn.Close()
	}

	if err := s.scheduler.Schedule(timerID, expiryAt, callback); err != nil {
		log.Warn("failed to schedule inactivity timer", zap.Error(err))
	}
}
