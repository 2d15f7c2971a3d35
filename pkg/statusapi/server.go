package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/journal"
	"github.com/germanamz/rvm/pkg/kiosk"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Kiosk is the control core surface served by the API. [*kiosk.Kiosk]
// implements it.
type Kiosk interface {
	Snapshot(ctx context.Context) (kiosk.Snapshot, error)
	Items(ctx context.Context) ([]kiosk.Item, error)
	ValidateMember(ctx context.Context, code string) (backend.User, error)
	StartMemberSession(ctx context.Context, user backend.User) error
	StartGuestSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context) (kiosk.EndResult, error)
	EmergencyStop(ctx context.Context) error
	Events() *kiosk.EventBus
}

// History lists journaled sessions. [*journal.Store] implements it.
type History interface {
	RecentSessions(ctx context.Context, limit int) ([]journal.Session, error)
}

// ShutdownTimeout bounds graceful shutdown of the listener.
const ShutdownTimeout = 5 * time.Second

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Option configures a [Server].
type Option func(*Server)

// WithHistory serves the session journal at GET /journal/sessions.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithEventStream reports the hardware event-stream connection in
// GET /healthz.
func WithEventStream(connected func() bool) Option {
	return func(s *Server) { s.streamUp = connected }
}

// Server serves the status API.
type Server struct {
	k        Kiosk
	history  History
	streamUp func() bool
	sse      *Broadcaster
	router   chi.Router
}

// New creates a Server for k.
func New(k Kiosk, opts ...Option) *Server {
	s := &Server{
		k:      k,
		sse:    NewBroadcaster(),
		router: chi.NewRouter(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(requestID, requestLogger, middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/events", s.handleEvents)
	s.router.Get("/session/items", s.handleItems)
	s.router.Post("/session/member", s.handleMember)
	s.router.Post("/session/guest", s.handleGuest)
	s.router.Post("/session/end", s.handleEnd)
	s.router.Post("/emergency-stop", s.handleEmergencyStop)

	if s.history != nil {
		s.router.Get("/journal/sessions", s.handleHistory)
	}

	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler { return s.router }

// Broadcaster returns the SSE broadcaster.
func (s *Server) Broadcaster() *Broadcaster { return s.sse }

// Run forwards kiosk events to SSE clients until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	bus := s.k.Events()
	sub := bus.Subscribe(256)
	defer func() {
		bus.Unsubscribe(sub)
		if n := sub.Dropped(); n > 0 {
			log.Warn().Uint64("dropped", n).Msg("statusapi: kiosk events dropped")
		}
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			s.sse.Broadcast(string(ev.Kind), ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// ListenAndServe serves the API on addr until ctx is done, then shuts the
// listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("statusapi: listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

type memberRequest struct {
	SessionCode string `json:"sessionCode"`
}

type memberResponse struct {
	SessionCode string       `json:"sessionCode"`
	User        backend.User `json:"user"`
}

type guestResponse struct {
	SessionCode string `json:"sessionCode"`
}

type itemsResponse struct {
	Items []kiosk.Item `json:"items"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status      string `json:"status"`
	EventStream *bool  `json:"eventStream,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	res := healthResponse{Status: "ok"}
	if s.streamUp != nil {
		up := s.streamUp()
		res.EventStream = &up
	}
	writeJSON(w, http.StatusOK, res)
}

type historyResponse struct {
	Sessions []journal.Session `json:"sessions"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	sessions, err := s.history.RecentSessions(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if sessions == nil {
		sessions = []journal.Session{}
	}

	writeJSON(w, http.StatusOK, historyResponse{Sessions: sessions})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.k.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.k.Items(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []kiosk.Item{}
	}
	writeJSON(w, http.StatusOK, itemsResponse{Items: items})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var initial any
	if snap, err := s.k.Snapshot(r.Context()); err == nil {
		initial = snap
	}
	s.sse.Serve(w, r, initial)
}

func (s *Server) handleMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	code, err := backend.CheckSessionCode(req.SessionCode)
	if err != nil {
		writeError(w, err)
		return
	}

	user, err := s.k.ValidateMember(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	if user.SessionCode == "" {
		user.SessionCode = code
	}

	if err := s.k.StartMemberSession(r.Context(), user); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, memberResponse{SessionCode: user.SessionCode, User: user})
}

func (s *Server) handleGuest(w http.ResponseWriter, r *http.Request) {
	code, err := s.k.StartGuestSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, guestResponse{SessionCode: code})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	res, err := s.k.EndSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.k.EmergencyStop(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// statusFor maps a kiosk or backend error to an HTTP status.
func statusFor(err error) int {
	var apiErr *backend.APIError

	switch {
	case errors.Is(err, backend.ErrInvalidSessionCode):
		return http.StatusBadRequest
	case errors.Is(err, kiosk.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, kiosk.ErrSessionActive), errors.Is(err, kiosk.ErrBusy), errors.Is(err, kiosk.ErrStartAborted):
		return http.StatusConflict
	case errors.Is(err, kiosk.ErrNotReady), errors.Is(err, kiosk.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("statusapi: write response")
	}
}

// requestID tags every request with an id, reusing the caller's when set.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", w.Header().Get("X-Request-Id")).
			Msg("statusapi: request")
	})
}
