// Package api implements the HTTP API: streaming chat, conversation
// control, and the operational event feed.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/nugget/scout/internal/agent"
	"github.com/nugget/scout/internal/buildinfo"
	"github.com/nugget/scout/internal/events"
	"github.com/nugget/scout/internal/llm"
	"github.com/nugget/scout/internal/session"
	"github.com/nugget/scout/internal/tools"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner answers one user message in a conversation. *agent.Loop
// implements it.
type Runner interface {
	Run(ctx context.Context, st *session.State, req *agent.Request, stream agent.StreamCallback) (*agent.Response, error)
}

// Pinger reports whether the model backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	runner   Runner
	sessions *session.Manager
	pinger   Pinger
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
	markdown goldmark.Markdown
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(address string, port int, runner Runner, sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		runner:   runner,
		sessions: sessions,
		logger:   logger.With("component", "api"),
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			// Assistant text carries citation anchors rendered by Scout.
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// SetEventBus enables the /v1/events feed and conversation events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetHealthCheck makes /health ping the model backend.
func (s *Server) SetHealthCheck(p Pinger) {
	s.pinger = p
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)

	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationClear)
	mux.HandleFunc("POST /v1/conversations/{id}/stop", s.handleConversationStop)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // Long for streaming responses
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Scout",
		"version": buildinfo.Ver(),
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "unhealthy", "error": err.Error()}, s.logger)
			return
		}
	}
	writeJSON(w, map[string]any{"status": "healthy", "conversations": s.sessions.Len()}, s.logger)
}

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	// WebSearch switches the conversation's mode when set. Switching
	// clears the model-facing history.
	WebSearch *bool `json:"web_search,omitempty"`
}

// DoneEvent is the final SSE event of a successful chat stream.
type DoneEvent struct {
	ConversationID string         `json:"conversation_id"`
	RequestID      string         `json:"request_id"`
	Iterations     int            `json:"iterations"`
	ToolCalls      int            `json:"tool_calls"`
	Stopped        bool           `json:"stopped"`
	Sources        []tools.Source `json:"sources"`
	Citations      []int          `json:"citations,omitempty"`
}

// SSE event names beyond the agent's stream event kinds.
const (
	sseDone  = "done"
	sseError = "error"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	st, created := s.sessions.GetOrCreate(req.ConversationID)
	if st.Busy() {
		s.errorResponse(w, http.StatusConflict, agent.ErrBusy.Error())
		return
	}
	if created {
		s.logger.Debug("conversation created", "conversation", st.ID)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	// Headers go out with the first event so a busy conversation can
	// still be answered with 409.
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
		w.Header().Set("X-Conversation-ID", st.ID)
		w.WriteHeader(http.StatusOK)
	}

	stream := func(ev agent.StreamEvent) {
		begin()
		s.writeSSE(w, string(ev.Kind), ev)
		flusher.Flush()

		// Tool runs can outlast the server write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	resp, err := s.runner.Run(r.Context(), st, &agent.Request{Message: req.Message, WebSearch: req.WebSearch}, stream)
	if err != nil {
		if !started {
			code := http.StatusInternalServerError
			if errors.Is(err, agent.ErrBusy) {
				code = http.StatusConflict
			}
			s.errorResponse(w, code, err.Error())
			return
		}
		s.logger.Error("agent loop failed", "conversation", st.ID, "error", err)
		s.writeSSE(w, sseError, map[string]string{"message": err.Error()})
		flusher.Flush()
		return
	}

	begin()
	s.writeSSE(w, sseDone, DoneEvent{
		ConversationID: st.ID,
		RequestID:      resp.RequestID,
		Iterations:     resp.Iterations,
		ToolCalls:      resp.ToolCalls,
		Stopped:        resp.Stopped,
		Sources:        st.Sources(),
		Citations:      resp.Citations,
	})
	flusher.Flush()
}

func (s *Server) handleConversationStop(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Get(r.PathValue("id"))
	if st == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	st.Stop()
	s.logger.Info("stop requested", "conversation", st.ID, "busy", st.Busy())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"conversation_id": st.ID, "status": "stopping"}, s.logger)
}

func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Get(r.PathValue("id"))
	if st == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if st.Busy() {
		s.errorResponse(w, http.StatusConflict, agent.ErrBusy.Error())
		return
	}
	st.Clear()
	s.bus.Emit(events.SourceAPI, events.KindConversationCleared, map[string]any{
		"conversation_id": st.ID,
	})
	s.logger.Info("conversation cleared", "conversation", st.ID)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversation_id": st.ID, "status": "cleared"}, s.logger)
}

// ConversationView is the JSON form of GET /v1/conversations/{id}.
type ConversationView struct {
	ID        string          `json:"conversation_id"`
	WebSearch bool            `json:"web_search"`
	Busy      bool            `json:"busy"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	History   []session.Entry `json:"history"`
	Sources   []tools.Source  `json:"sources"`
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Get(r.PathValue("id"))
	if st == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		page, err := s.renderHistory(st.History())
		if err != nil {
			s.logger.Error("render history failed", "conversation", st.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "render failed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(page); err != nil {
			s.logger.Debug("failed to write HTML response", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ConversationView{
		ID:        st.ID,
		WebSearch: st.WebSearch(),
		Busy:      st.Busy(),
		CreatedAt: st.CreatedAt,
		UpdatedAt: st.UpdatedAt(),
		History:   st.History(),
		Sources:   st.Sources(),
	}, s.logger)
}

// renderHistory renders transcript entries as an HTML fragment. Only
// assistant text goes through markdown; user text and observations are
// escaped verbatim.
func (s *Server) renderHistory(entries []session.Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		fmt.Fprintf(&buf, "<div class=\"entry %s\">\n", html.EscapeString(e.Role))
		if e.Title != "" {
			fmt.Fprintf(&buf, "<details><summary>%s</summary>\n", html.EscapeString(e.Title))
		}
		switch {
		case e.Role == llm.RoleAssistant && e.Title != session.TitleToolParams:
			if err := s.markdown.Convert([]byte(e.Content), &buf); err != nil {
				return nil, err
			}
		case e.Role == llm.RoleUser:
			fmt.Fprintf(&buf, "<p>%s</p>\n", html.EscapeString(e.Content))
		default:
			fmt.Fprintf(&buf, "<pre>%s</pre>\n", html.EscapeString(e.Content))
		}
		if e.Title != "" {
			buf.WriteString("</details>\n")
		}
		buf.WriteString("</div>\n")
	}
	return buf.Bytes(), nil
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleEvents streams bus events to a WebSocket client as JSON text
// frames until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	// Subscribe before the handshake completes so no event published
	// after the client connects is missed.
	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The read side only detects disconnects; client messages are
	// ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
