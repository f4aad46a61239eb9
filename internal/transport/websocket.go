package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"canvas_collab/internal/collab"
	"canvas_collab/pkg"
	"canvas_collab/src/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const bufSize = 1024

// Session is the collaboration core as seen by a connection
type Session interface {
	Connect(ctx context.Context, projectID, userID string, socket collab.Socket) string
	Handle(ctx context.Context, raw []byte, projectID, userID string)
	Disconnect(ctx context.Context, projectID, userID, connID string)
}

// Pinger reports store health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler upgrades /ws/{projectId}/{userId} requests and runs one reader per socket
type Handler struct {
	ctx      context.Context
	session  Session
	config   model.ServerConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a WebSocket handler. Open sockets are closed when ctx is cancelled.
func NewHandler(ctx context.Context, session Session, config model.ServerConfig, log zerolog.Logger) *Handler {
	return &Handler{
		ctx:     ctx,
		session: session,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  bufSize,
			WriteBufferSize: bufSize,
			// Browsers connect from the editor origin; identity is checked upstream
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// NewMux routes the WebSocket endpoint and the health check
func NewMux(handler *Handler, health Pinger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{projectId}/{userId}", handler)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, map[string]string{"status": "ok"}
		if err := health.Ping(r.Context()); err != nil {
			status, body = http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()}
		}
		data, _ := pkg.Encode(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(data)
	})
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("projectId"))
	userID := strings.TrimSpace(r.PathValue("userId"))
	if projectID == "" || userID == "" {
		http.Error(w, "project and user ids are required", http.StatusBadRequest)
		return
	}
	log := h.log.With().Str("project_id", projectID).Str("user_id", userID).Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket handshake failed")
		return
	}

	socket := &wsSocket{conn: conn, writeTimeout: h.config.WriteTimeout}
	h.serve(socket, projectID, userID, log)
}

func (h *Handler) serve(socket *wsSocket, projectID, userID string, log zerolog.Logger) {
	conn := socket.conn
	if h.config.ReadLimit > 0 {
		conn.SetReadLimit(h.config.ReadLimit)
	}
	if h.config.PingInterval > 0 {
		pongWait := 2 * h.config.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	connID := h.session.Connect(h.ctx, projectID, userID, socket)

	done := make(chan struct{})
	go h.keepAlive(socket, done)
	defer func() {
		close(done)
		_ = socket.Close()
		// Teardown must reach the store even while the server is stopping
		h.session.Disconnect(context.WithoutCancel(h.ctx), projectID, userID, connID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		h.session.Handle(h.ctx, data, projectID, userID)
	}
}

func (h *Handler) keepAlive(socket *wsSocket, done <-chan struct{}) {
	var tick <-chan time.Time
	if h.config.PingInterval > 0 {
		ticker := time.NewTicker(h.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-done:
			return
		case <-h.ctx.Done():
			_ = socket.Close()
			return
		case <-tick:
			if err := socket.ping(); err != nil {
				_ = socket.Close()
				return
			}
		}
	}
}

// wsSocket adapts a gorilla connection to collab.Socket. Writes are
// serialized; gorilla allows one concurrent writer.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (s *wsSocket) deadline(ctx context.Context) time.Time {
	deadline := time.Time{}
	if s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func (s *wsSocket) Send(ctx context.Context, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(s.deadline(ctx)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, message)
}

func (s *wsSocket) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, s.deadline(context.Background()))
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
