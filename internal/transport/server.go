package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/voicegateway/voicegateway/internal/envelope"
	"github.com/voicegateway/voicegateway/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dispatcher is the subset of the Orchestrator the Server drives. Defined
// here, not in package pipeline, so transport has no import-cycle back to
// the orchestrator that owns this Hub.
type Dispatcher interface {
	OnConnect(conn session.Conn) error
	HandleFrame(ctx context.Context, conn session.Conn, raw []byte) error
	OnDisconnect(conn session.Conn)
}

// Server upgrades incoming HTTP requests to WebSocket and runs the
// per-connection read pump, grounded on the reference gateway's
// ws.Handler.ServeHTTP/runSession/processMessages accept-then-loop shape.
type Server struct {
	hub        *Hub
	dispatcher Dispatcher
}

// NewServer builds a Server bound to hub and dispatcher. dispatcher is
// typically an *pipeline.Orchestrator; hub must be the same Hub instance the
// dispatcher's engines send frames through.
func NewServer(hub *Hub, dispatcher Dispatcher) *Server {
	return &Server{hub: hub, dispatcher: dispatcher}
}

// ServeHTTP upgrades the connection, mints its connection/session id, and
// runs the session until the client disconnects or a read fails.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("transport: websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	id := envelope.NewID()
	conn := s.hub.Register(id, ws)

	if err := s.dispatcher.OnConnect(conn); err != nil {
		slog.Error("transport: OnConnect failed", "conn_id", id, "error", err)
		s.hub.Close(id)
		s.hub.Remove(id)
		return
	}

	s.readLoop(conn, ws)
}

func (s *Server) readLoop(conn interface{ ID() string }, ws *websocket.Conn) {
	ctx := context.Background()
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := s.dispatcher.HandleFrame(ctx, conn, data); err != nil {
			slog.Warn("transport: HandleFrame error", "conn_id", conn.ID(), "error", err)
		}
	}

	s.dispatcher.OnDisconnect(conn)
}
