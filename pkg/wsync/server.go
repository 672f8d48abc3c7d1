// Package wsync serves editor connections and the operational HTTP endpoints.
package wsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/inheritsync/pkg/engine"
	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/graph"
	"github.com/astromechza/inheritsync/pkg/signal"
)

const (
	DefaultLoadTimeout = 15 * time.Second

	maxControlBytes = 64 << 10
	// websocket close reasons must fit in a control frame
	maxCloseReason = 123
)

type Server struct {
	engine      *engine.Engine
	broadcaster signal.Broadcaster
	upgrader    websocket.Upgrader
	loadTimeout time.Duration
}

type Option func(*Server)

// WithBroadcaster shares locally received restores with other instances.
func WithBroadcaster(b signal.Broadcaster) Option {
	return func(s *Server) {
		s.broadcaster = b
	}
}

func WithLoadTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.loadTimeout = d
		}
	}
}

func NewServer(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: e,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		loadTimeout: DefaultLoadTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	// field ids are percent-decoded once, by field.Parse
	r := mux.NewRouter().UseEncodedPath()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/stats").HandlerFunc(s.stats)
	r.Methods(http.MethodPost).Path("/restore").HandlerFunc(s.restoreHTTP)
	r.Methods(http.MethodGet).Path("/fields/{field}/latest").HandlerFunc(s.getField)
	r.Methods(http.MethodGet).Path("/ws/{field}").HandlerFunc(s.syncField)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	return r
}

// ApplyRestore applies a restore received from another instance without re-broadcasting it.
func (s *Server) ApplyRestore(ctx context.Context, m signal.Restore) error {
	return s.engine.Restore(ctx, m.ToSignal())
}

func (s *Server) restore(ctx context.Context, m signal.Restore) error {
	if err := s.ApplyRestore(ctx, m); err != nil {
		return err
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.Publish(ctx, m); err != nil {
			slog.Error("failed to broadcast restore", "field", m.Field(), "err", err)
		}
	}
	return nil
}

func (s *Server) health(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain")
	_, _ = writer.Write([]byte("ok\n"))
}

func (s *Server) stats(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, s.engine.Stats())
}

func (s *Server) restoreHTTP(writer http.ResponseWriter, request *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(request.Body, maxControlBytes))
	if err != nil {
		http.Error(writer, "failed to read body", http.StatusBadRequest)
		return
	}
	m, err := signal.Decode(raw)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.restore(request.Context(), m); err != nil {
		slog.Error("failed to restore", "field", m.Field(), "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrInheritanceCycle) || errors.Is(err, graph.ErrSelfEdge) {
			status = http.StatusConflict
		}
		http.Error(writer, err.Error(), status)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

// getField returns the saved automerge document of an open field.
func (s *Server) getField(writer http.ResponseWriter, request *http.Request) {
	id, err := field.Parse(mux.Vars(request)["field"])
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	rep, ok := s.engine.Registry().Lookup(id)
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(rep.Save()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (s *Server) syncField(writer http.ResponseWriter, request *http.Request) {
	id, err := field.Parse(mux.Vars(request)["field"])
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	query := request.URL.Query()
	mode := field.ModeFromQuery(query)

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log := slog.With("field", id, "conn", connID)
	leave := s.engine.Join(id, connID, query.Get("user"))
	defer leave()

	loadCtx, cancel := context.WithTimeout(request.Context(), s.loadTimeout)
	err = s.engine.EnsureLoaded(loadCtx, id, mode)
	cancel()
	if err != nil {
		log.Error("failed to load field", "err", err)
		closeWith(conn, err)
		return
	}

	log.Info("syncing", "mode", mode)
	onText := func(raw []byte) {
		s.handleControl(request.Context(), log, id, connID, raw)
	}
	if err := Sync(request.Context(), conn, s.engine.Replica(id), onText); err != nil {
		log.Warn("sync ended", "err", err)
		return
	}
	log.Info("disconnected")
}

type control struct {
	Type string `json:"type"`
	User *struct {
		Name string `json:"name"`
	} `json:"user,omitempty"`
}

func (s *Server) handleControl(ctx context.Context, log *slog.Logger, id field.ID, connID string, raw []byte) {
	var c control
	if err := json.Unmarshal(raw, &c); err != nil {
		log.Warn("ignoring malformed control message", "err", err)
		return
	}
	switch c.Type {
	case "awareness":
		if c.User != nil {
			s.engine.Rename(id, connID, c.User.Name)
		}
	case signal.TypeRestore:
		m, err := signal.Decode(raw)
		if err != nil {
			log.Warn("ignoring restore", "err", err)
			return
		}
		if err := s.restore(ctx, m); err != nil {
			log.Error("failed to restore", "target", m.Field(), "err", err)
		}
	default:
		log.Debug("ignoring control message", "type", c.Type)
	}
}

// closeWith ends a session that could not start. Refused inheritance chains are a policy violation;
// anything else is worth retrying.
func closeWith(conn *websocket.Conn, err error) {
	code := websocket.CloseTryAgainLater
	if errors.Is(err, engine.ErrInheritanceCycle) || errors.Is(err, engine.ErrChainTooDeep) {
		code = websocket.ClosePolicyViolation
	}
	reason := err.Error()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}
