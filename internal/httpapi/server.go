package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/ordervoice/internal/audio"
	"github.com/ent0n29/ordervoice/internal/config"
	"github.com/ent0n29/ordervoice/internal/conversation"
	"github.com/ent0n29/ordervoice/internal/device"
	"github.com/ent0n29/ordervoice/internal/observability"
	"github.com/ent0n29/ordervoice/internal/orders"
	"github.com/ent0n29/ordervoice/internal/session"
	"github.com/ent0n29/ordervoice/internal/turn"
)

type Server struct {
	cfg      config.Config
	sessions *session.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	orders   orders.Store
}

func New(cfg config.Config, sessions *session.Registry, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a session unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/turn/start", s.handleStartTurn)
			r.Post("/turn/end", s.handleEndTurn)
			r.Put("/mode", s.handleSetMode)
			r.Get("/items", s.handleListItems)
			r.Delete("/items/{itemID}", s.handleDeleteItem)
			r.Get("/events", s.handleListEvents)
			r.Get("/frequencies", s.handleFrequencies)
			r.Get("/orders", s.handleListOrders)
			r.Post("/end", s.handleEndSession)
			r.Get("/ws", s.handleSessionWS)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"agent_provider": s.agentProvider(),
		"audio_device":   s.cfg.AudioDevice,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"agent_provider":  s.agentProvider(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) agentProvider() string {
	if s.cfg.UseMockAgent() {
		return "mock"
	}
	return "openai"
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.TurnMode) == "" {
		req.TurnMode = s.cfg.TurnMode
	}
	if strings.TrimSpace(req.AssistantMode) == "" {
		req.AssistantMode = s.cfg.AssistantMode
	}

	sess, err := s.sessions.Create(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.metrics.SessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		State:           session.StateIdle,
		TurnMode:        sess.TurnMode,
		AssistantMode:   sess.AssistantMode,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

type sessionView struct {
	session.Session
	State         session.State `json:"state"`
	LastError     string        `json:"last_error,omitempty"`
	DroppedChunks int64         `json:"dropped_chunks"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	view := sessionView{Session: sess, State: session.StateIdle}
	if voice, err := s.sessions.Voice(id); err == nil {
		view.State = voice.State()
		view.DroppedChunks = voice.DroppedChunks()
		if lastErr := voice.LastError(); lastErr != nil {
			view.LastError = lastErr.Error()
		}
	}
	respondJSON(w, http.StatusOK, view)
}

// SetOrderStore enables order listing. Orders forwarded to a webhook are not
// kept locally, so the route answers 501 without a store.
func (s *Server) SetOrderStore(store orders.Store) {
	s.orders = store
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.orders == nil {
		respondError(w, http.StatusNotImplemented, "orders_unavailable", "orders are forwarded and not stored")
		return
	}
	list, err := s.orders.SessionOrders(r.Context(), id)
	if err != nil {
		s.logger.Warn("list session orders", zap.String("session_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "orders_failed", err.Error())
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	if err := voice.Connect(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	respondState(w, voice)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	if err := voice.Disconnect(); err != nil {
		respondSessionError(w, err)
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	respondState(w, voice)
}

func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	if err := voice.StartTurn(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	respondState(w, voice)
}

func (s *Server) handleEndTurn(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	if err := voice.EndTurn(r.Context()); err != nil {
		respondSessionError(w, err)
		return
	}
	respondState(w, voice)
}

type setModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	var req setModeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	mode, err := turn.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_mode", err.Error())
		return
	}
	if err := voice.SetMode(r.Context(), mode); err != nil {
		respondSessionError(w, err)
		return
	}
	respondState(w, voice)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": voice.Items()})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "itemID")
	if err := voice.DeleteItem(r.Context(), itemID); err != nil {
		respondSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": voice.Events()})
}

func (s *Server) handleFrequencies(w http.ResponseWriter, r *http.Request) {
	voice, ok := s.voice(w, r)
	if !ok {
		return
	}
	kind := audio.ParseAnalysisKind(r.URL.Query().Get("kind"))
	respondJSON(w, http.StatusOK, voice.Frequencies(kind))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

// voice resolves the live session named in the path and records activity on
// it. It writes the error response itself when the session is unknown.
func (s *Server) voice(w http.ResponseWriter, r *http.Request) (*session.Manager, bool) {
	id := chi.URLParam(r, "id")
	voice, err := s.sessions.Voice(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	_ = s.sessions.Touch(id)
	return voice, true
}

type stateResponse struct {
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
	TurnMode  turn.Mode     `json:"turn_mode"`
}

func respondState(w http.ResponseWriter, voice *session.Manager) {
	respondJSON(w, http.StatusOK, stateResponse{
		SessionID: voice.ID(),
		State:     voice.State(),
		TurnMode:  voice.Mode(),
	})
}

// respondSessionError maps session, turn and device failures onto HTTP
// statuses.
func respondSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrBusy):
		respondError(w, http.StatusConflict, "device_busy", err.Error())
	case errors.Is(err, device.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "device_unavailable", err.Error())
	case errors.Is(err, session.ErrConnectionFailed):
		respondError(w, http.StatusBadGateway, "connection_failed", err.Error())
	case errors.Is(err, session.ErrInvalidStateTransition):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, conversation.ErrItemNotFound):
		respondError(w, http.StatusNotFound, "item_not_found", err.Error())
	case errors.Is(err, turn.ErrWrongMode),
		errors.Is(err, turn.ErrTurnInProgress),
		errors.Is(err, turn.ErrNoActiveTurn),
		errors.Is(err, turn.ErrNotArmed):
		respondError(w, http.StatusConflict, "turn_rejected", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
