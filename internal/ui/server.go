// Package ui serves the live transcription screen: a WebSocket endpoint that
// pushes session state and results and accepts start, stop and toggle
// actions, plus the equivalent REST endpoints.
//
// Routes:
//
//	GET  /                          single-button transcription page
//	GET  /ws                        WebSocket: {"action":"start"|"stop"|"toggle"}
//	GET  /session                   current session and latest result
//	POST /session/start             start a session (blocks until recording)
//	POST /session/stop              stop the session
//	POST /session/toggle            start when idle, stop otherwise
//	GET  /sessions/{id}/transcript  archived final results (when configured)
package ui

import (
	"context"
	"embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/transcript"
)

//go:embed static/index.html
var static embed.FS

// Client actions.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionToggle = "toggle"
)

// Sessions is the session controller the UI drives.
type Sessions interface {
	Start(ctx context.Context, modelCfg stt.ModelConfig, audioCfg audio.SessionConfig, sub transcript.Subscriber) (session.Token, error)
	Stop(ctx context.Context) error
	Toggle(ctx context.Context, modelCfg stt.ModelConfig, audioCfg audio.SessionConfig, sub transcript.Subscriber) (session.Token, error)
	Session() session.Session
}

// TranscriptStore returns archived results of a session.
type TranscriptStore interface {
	Transcript(ctx context.Context, sessionID string) ([]transcript.Result, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithModelConfig sets the model every started session loads.
func WithModelConfig(cfg stt.ModelConfig) Option {
	return func(s *Server) { s.modelCfg = cfg }
}

// WithAudioConfig sets the audio session configuration every started session
// uses. Defaults to [audio.DefaultSessionConfig].
func WithAudioConfig(cfg audio.SessionConfig) Option {
	return func(s *Server) { s.audioCfg = cfg }
}

// WithSinks adds subscribers that receive every result after the UI clients.
func WithSinks(subs ...transcript.Subscriber) Option {
	return func(s *Server) { s.sinks = append(s.sinks, subs...) }
}

// WithTranscripts enables GET /sessions/{id}/transcript.
func WithTranscripts(ts TranscriptStore) Option {
	return func(s *Server) { s.transcripts = ts }
}

// WithOriginPatterns sets the cross-origin hosts allowed to open the
// WebSocket (see websocket.AcceptOptions.OriginPatterns).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server handles UI requests. Create it with [New].
type Server struct {
	sessions       Sessions
	hub            *Hub
	modelCfg       stt.ModelConfig
	audioCfg       audio.SessionConfig
	sinks          []transcript.Subscriber
	transcripts    TranscriptStore
	originPatterns []string

	// actionCtx bounds WebSocket-triggered actions; it ends on Shutdown.
	actionCtx    context.Context
	cancelAction context.CancelFunc
	actions      sync.WaitGroup
}

// New returns a Server driving sessions and pushing through hub. hub must be
// the Hub registered as the controller's state listener.
func New(sessions Sessions, hub *Hub, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		hub:      hub,
		audioCfg: audio.DefaultSessionConfig(),
	}
	for _, o := range opts {
		o(s)
	}
	s.actionCtx, s.cancelAction = context.WithCancel(context.Background())
	return s
}

// Routes registers the UI routes on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/", s.handleIndex)
	r.Get("/ws", s.handleWS)
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/toggle", s.handleToggle)
	})
	if s.transcripts != nil {
		r.Get("/sessions/{id}/transcript", s.handleTranscript)
	}
}

// Shutdown disconnects all clients and waits for WebSocket-triggered actions
// to return. The session itself is stopped by the controller's owner.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelAction()
	s.hub.CloseAll()

	done := make(chan struct{})
	go func() {
		s.actions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscriber is the single subscriber handed to every session.
func (s *Server) subscriber() transcript.Subscriber {
	return transcript.Tee(append([]transcript.Subscriber{s.hub.PublishResult}, s.sinks...)...)
}

func (s *Server) start(ctx context.Context) (session.Token, error) {
	return s.sessions.Start(ctx, s.modelCfg, s.audioCfg, s.subscriber())
}

func (s *Server) toggle(ctx context.Context) (session.Token, error) {
	return s.sessions.Toggle(ctx, s.modelCfg, s.audioCfg, s.subscriber())
}

// ---- WebSocket ----

type actionRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Warn("ui: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := s.hub.add(conn)
	defer s.hub.remove(c)
	go c.writeLoop(ctx)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req actionRequest
		if typ != websocket.MessageText || json.Unmarshal(data, &req) != nil {
			s.hub.reply(c, Message{Type: TypeError, Code: CodeBadRequest, Error: "invalid json"})
			continue
		}
		if !s.dispatchAction(c, req.Action) {
			s.hub.reply(c, Message{Type: TypeError, Code: CodeBadRequest, Error: "unknown action " + req.Action})
		}
	}
}

// dispatchAction runs action on its own goroutine so the connection keeps
// reading; a stop sent while a start is initializing must get through.
// Reports false for unknown actions.
func (s *Server) dispatchAction(c *client, action string) bool {
	var run func(context.Context) error
	switch action {
	case ActionStart:
		run = func(ctx context.Context) error { _, err := s.start(ctx); return err }
	case ActionStop:
		run = s.sessions.Stop
	case ActionToggle:
		run = func(ctx context.Context) error { _, err := s.toggle(ctx); return err }
	default:
		return false
	}

	s.actions.Add(1)
	go func() {
		defer s.actions.Done()
		if err := run(s.actionCtx); err != nil {
			code := ErrorCode(err)
			slog.Info("ui: action failed", "action", action, "code", code, "err", err)
			s.hub.reply(c, Message{Type: TypeError, Code: code, Error: err.Error()})
		}
	}()
	return true
}

// ---- REST ----

type sessionResponse struct {
	Session session.Session    `json:"session"`
	Latest  *transcript.Result `json:"latest,omitempty"`
}

type tokenResponse struct {
	Token *session.Token `json:"token,omitempty"`
	State session.State  `json:"state"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, static, "static/index.html")
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	res := sessionResponse{Session: s.sessions.Session()}
	if latest, ok := s.hub.Latest(); ok {
		res.Latest = &latest
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	tok, err := s.start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: &tok, State: s.sessions.Session().State})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{State: s.sessions.Session().State})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	tok, err := s.toggle(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	res := tokenResponse{State: s.sessions.Session().State}
	if tok.SessionID != "" {
		res.Token = &tok
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	results, err := s.transcripts.Transcript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		slog.Error("ui: load transcript", "session_id", chi.URLParam(r, "id"), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Code: CodeInternal, Error: "failed to load transcript"})
		return
	}
	if results == nil {
		results = []transcript.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

func writeError(w http.ResponseWriter, err error) {
	code := ErrorCode(err)
	writeJSON(w, httpStatus(code), errorResponse{Code: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("ui: write response", "err", err)
	}
}
