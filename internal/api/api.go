// Package api is the gateway's HTTP surface: the WebSocket endpoints, the REST
// queries over presence and calls, health and CORS.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nmxmxh/ultrachat-gateway/internal/calls"
	"github.com/nmxmxh/ultrachat-gateway/internal/presence"
	"github.com/nmxmxh/ultrachat-gateway/pkg/auth"
	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
	"github.com/nmxmxh/ultrachat-gateway/pkg/health"
	"github.com/nmxmxh/ultrachat-gateway/pkg/json"
)

// maxPresenceBatch caps GET /api/presence.
const maxPresenceBatch = 500

// PresenceBroadcaster announces explicit status changes to connected clients.
type PresenceBroadcaster interface {
	BroadcastPresence(userID string, status presence.Status) int
}

// Config wires the HTTP surface.
type Config struct {
	CORSOrigins []string
	ChatSocket  http.Handler
	CallsSocket http.Handler
	Auth        auth.Authenticator
	Presence    *presence.Store
	Broadcaster PresenceBroadcaster
	Calls       *calls.Service
	Health      *health.HealthChecker
}

type handler struct {
	cfg Config
	log *zap.Logger
}

// NewRouter builds the gateway's HTTP handler.
func NewRouter(cfg Config, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &handler{cfg: cfg, log: log.With(zap.String("module", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/healthz", cfg.Health.Handler())
	}
	if cfg.ChatSocket != nil {
		r.Handle("/ws/chat", cfg.ChatSocket)
	}
	if cfg.CallsSocket != nil {
		r.Handle("/ws/calls", cfg.CallsSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.logRequests)
		r.Use(auth.Middleware(cfg.Auth))
		r.Get("/presence", h.getPresence)
		r.Put("/presence/status", h.setStatus)
		r.Get("/chats/{chatId}/typing", h.getTyping)
		r.Get("/calls/ice-servers", h.iceServers)
		r.Get("/calls/{callId}", h.getCall)
	})
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type presenceView struct {
	Status   presence.Status `json:"status"`
	LastSeen *time.Time      `json:"lastSeen,omitempty"`
}

// getPresence handles GET /api/presence?userIds=a,b. Users without a record are
// reported offline.
func (h *handler) getPresence(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("userIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > maxPresenceBatch {
		WriteJSONError(w, h.log, "userIds must list 1 to 500 users", errors.ErrMalformedPayload)
		return
	}

	records, err := h.cfg.Presence.GetMultiplePresence(r.Context(), ids)
	if err != nil {
		WriteJSONError(w, h.log, "presence lookup failed", err)
		return
	}
	out := make(map[string]presenceView, len(ids))
	for _, id := range ids {
		rec, ok := records[id]
		if !ok {
			out[id] = presenceView{Status: presence.StatusOffline}
			continue
		}
		v := presenceView{Status: rec.Status}
		if !rec.LastSeen.IsZero() {
			ts := rec.LastSeen
			v.LastSeen = &ts
		}
		out[id] = v
	}
	WriteJSONResponse(w, h.log, out)
}

// setStatus handles PUT /api/presence/status {"status": "away"}.
func (h *handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	var body struct {
		Status presence.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSONError(w, h.log, "invalid body", errors.Mark(err, errors.ErrMalformedPayload))
		return
	}
	switch body.Status {
	case presence.StatusOnline, presence.StatusAway, presence.StatusDND:
	default:
		WriteJSONError(w, h.log, "status must be online, away or dnd", errors.ErrMalformedPayload)
		return
	}

	if err := h.cfg.Presence.SetStatus(r.Context(), id.UserID, body.Status); err != nil {
		WriteJSONError(w, h.log, "status update failed", err, zap.String("user_id", id.UserID))
		return
	}
	if h.cfg.Broadcaster != nil {
		h.cfg.Broadcaster.BroadcastPresence(id.UserID, body.Status)
	}
	WriteJSONResponse(w, h.log, map[string]any{"userId": id.UserID, "status": body.Status})
}

// getTyping handles GET /api/chats/{chatId}/typing.
func (h *handler) getTyping(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	users, err := h.cfg.Presence.GetTypingUsers(r.Context(), chatID)
	if err != nil {
		WriteJSONError(w, h.log, "typing lookup failed", err, zap.String("chat_id", chatID))
		return
	}
	WriteJSONResponse(w, h.log, map[string]any{"chatId": chatID, "userIds": users})
}

func (h *handler) iceServers(w http.ResponseWriter, _ *http.Request) {
	WriteJSONResponse(w, h.log, h.cfg.Calls.ICEServers())
}

// getCall handles GET /api/calls/{callId}; only participants may read a call.
func (h *handler) getCall(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	callID := chi.URLParam(r, "callId")
	c, err := h.cfg.Calls.Get(r.Context(), id.UserID, callID)
	if err != nil {
		WriteJSONError(w, h.log, "call lookup failed", err, zap.String("call_id", callID))
		return
	}
	WriteJSONResponse(w, h.log, c)
}
