package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/journalsync/internal/logging"
	"collabtext/journalsync/internal/roomname"
)

// DefaultWSPrefix is the path under which rooms accept WebSocket connections.
const DefaultWSPrefix = "/sync/ws"

// closeInvalidRoom is the close code sent when the requested room name fails validation.
const closeInvalidRoom = 4400

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HTTPServer routes WebSocket and status requests to rooms.
type HTTPServer struct {
	rooms    *Rooms
	wsPrefix string
	logger   *log.Logger
}

func NewHTTPServer(rooms *Rooms, wsPrefix string, logger *log.Logger) *HTTPServer {
	if wsPrefix == "" {
		wsPrefix = DefaultWSPrefix
	}
	return &HTTPServer{
		rooms:    rooms,
		wsPrefix: "/" + strings.Trim(wsPrefix, "/"),
		logger:   logging.OrNop(logger),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.withMiddleware)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/sync/room/{room}/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc(s.wsPrefix+"/{room}", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rooms": s.rooms.Open()})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	raw := mux.Vars(r)["room"]
	if !roomname.Valid(raw) {
		writeError(w, http.StatusBadRequest, "Invalid room name")
		return
	}
	exists, err := s.rooms.Exists(r.Context(), raw)
	if err != nil {
		s.logger.Error("room status failed", "room", raw, "err", err)
		writeError(w, http.StatusInternalServerError, "Room status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists})
}

func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["room"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "err", err)
		return
	}

	if !roomname.Valid(raw) {
		s.logger.Warn("rejecting connection", "room", raw)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeInvalidRoom, "Invalid room name"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	room, err := s.rooms.Acquire(r.Context(), raw)
	if err != nil {
		s.logger.Error("room unavailable", "room", raw, "err", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Room unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer s.rooms.Release(room)
	room.Join(conn)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header())

		next.ServeHTTP(writer, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
