package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Byounghakim/pc-ui-server-sub000/errors"
)

func newClientID() string {
	return uuid.NewString()
}

const (
	// ClientIDHeader carries the caller's persisted client id on stream
	// open; the response echoes the assigned id in the same header.
	ClientIDHeader = "X-Client-ID"

	// maxIngressBytes bounds the POST ingress body.
	maxIngressBytes = 1 << 20

	// writeWait is the deadline applied to every websocket write.
	writeWait = 10 * time.Second
)

// wsSink adapts one gorilla websocket connection to the hub Sink. The
// write mutex is required: gorilla connections do not allow concurrent
// writers, and the broadcast path races the keep-alive loop.
type wsSink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *wsSink) WriteEnvelope(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "wsSink", "WriteEnvelope", "marshal envelope")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) WriteKeepAlive() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

// Server exposes the hub over HTTP: a long-lived stream endpoint, a POST
// ingress for broadcasts, and a health endpoint.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer creates the HTTP surface for a hub.
func NewServer(h *Hub) *Server {
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from arbitrary origins during
			// development; production deployments front this with a proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterHandlers mounts the hub endpoints on mux.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/events/stream", s.handleStream)
	mux.HandleFunc("/events", s.handleIngress)
}

// handleStream upgrades the connection and registers it as a subscriber.
// The client id comes from the X-Client-ID header or the clientId query
// parameter; absent both, the hub assigns one and echoes it back.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		return
	}

	clientID := r.Header.Get(ClientIDHeader)
	if clientID == "" {
		clientID = r.URL.Query().Get("clientId")
	}

	// The id must be known before the upgrade so the handshake response
	// can carry it.
	assigned := clientID
	if assigned == "" {
		assigned = newClientID()
	}
	header := http.Header{}
	header.Set(ClientIDHeader, assigned)

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}

	sink := &wsSink{conn: conn}
	sub, err := s.hub.OpenStream(assigned, sink)
	if err != nil {
		_ = conn.Close()
		return
	}

	// Read loop: the stream is server-to-client, but reading is required
	// to process pong/close control frames and to notice disconnects.
	go func() {
		defer s.hub.Remove(sub)
		conn.SetReadLimit(maxIngressBytes)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ingressRequest is the POST /events body.
type ingressRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// handleIngress accepts {type, data} and broadcasts it. The response is
// "accepted" only; delivery to any particular subscriber is best-effort.
func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req ingressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "type and data are required")
		return
	}

	if err := s.hub.Publish(req.Type, req.Data); err != nil {
		if errors.IsInvalid(err) {
			writeError(w, http.StatusBadRequest, "invalid envelope")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  message,
		"status": statusCode,
	})
}
