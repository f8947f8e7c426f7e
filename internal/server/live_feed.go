package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/smukkama/safety-engine/internal/protocol"
	"github.com/smukkama/safety-engine/pkg/config"
)

// LiveFeed streams the alert notifications of one protected user to
// Monitor dashboards over a websocket: GET /ws/alerts/{protectedID}.
// The first frame is a "subscribed" ack, every later frame an alert message.
type LiveFeed struct {
	alerts       AlertFeed
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewLiveFeed creates the dashboard feed. Close ends every open stream.
func NewLiveFeed(cfg *config.GatewayConfig, alerts AlertFeed, logger *zap.Logger) *LiveFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	ping := cfg.LiveFeedPing
	if ping <= 0 {
		ping = 30 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveFeed{
		alerts: alerts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval: ping,
		writeTimeout: writeTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Router mounts the feed and a health probe
func (f *LiveFeed) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/alerts/{protectedID}", f.serveAlerts).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// Close ends all streams
func (f *LiveFeed) Close() {
	f.cancel()
}

func (f *LiveFeed) serveAlerts(w http.ResponseWriter, r *http.Request) {
	protectedID := mux.Vars(r)["protectedID"]
	log := f.logger.With(zap.String("protected_id", protectedID), zap.String("remote_addr", r.RemoteAddr))

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()

	sub := f.alerts.Subscribe(ctx, protectedID)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		log.Warn("alert subscription failed", zap.Error(err))
		f.closeWith(conn, websocket.CloseInternalServerErr, "subscription failed")
		return
	}

	if err := f.write(conn, protocol.NewAckMessage(protocol.AckStatusSubscribed)); err != nil {
		return
	}
	log.Info("dashboard subscribed")

	// Dashboards never send data frames; reading only tracks pongs and close
	pongWait := 2 * f.pingInterval
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("dashboard read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	messages := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			f.closeWith(conn, websocket.CloseGoingAway, "")
			log.Info("dashboard unsubscribed")
			return

		case m, ok := <-messages:
			if !ok {
				return
			}
			n, err := protocol.DecodeAlertNotification([]byte(m.Payload))
			if err != nil {
				log.Warn("dropping malformed alert notification", zap.Error(err))
				continue
			}
			if err := f.write(conn, protocol.NewAlertMessage(n, 0)); err != nil {
				log.Info("dashboard write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(f.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (f *LiveFeed) write(conn *websocket.Conn, msg interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
	return conn.WriteJSON(msg)
}

func (f *LiveFeed) closeWith(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(f.writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
