package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"subgate/internal/access"
	"subgate/internal/broadcast"
	"subgate/internal/config"
	"subgate/internal/delivery"
	"subgate/internal/models"
	"subgate/internal/monitor"
	"subgate/internal/notify"
)

// Handler exposes the administrative operations over HTTP. Domain menus and
// conversation flows live in the admin UI; this is the core's surface only.
type Handler struct {
	cfg        *config.Config
	registry   *access.Registry
	dispatcher *notify.Dispatcher
	broadcasts *broadcast.Manager
	monitor    *monitor.Monitor
	// trigger delivers the out-of-band revocation message straight through
	// the chat channel, covering subscribers that missed the event.
	trigger delivery.Sender
}

func New(cfg *config.Config, reg *access.Registry, d *notify.Dispatcher, bm *broadcast.Manager, mon *monitor.Monitor, trigger delivery.Sender) *Handler {
	return &Handler{
		cfg:        cfg,
		registry:   reg,
		dispatcher: d,
		broadcasts: bm,
		monitor:    mon,
		trigger:    trigger,
	}
}

// Routes mounts every endpoint on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/access", func(r chi.Router) {
		r.Post("/sync", h.ForceSync)
		r.Post("/{id}", h.AddUser)
		r.Get("/{id}", h.GetAccess)
		r.Delete("/{id}", h.RemoveUser)
	})
	r.Route("/api/broadcasts", func(r chi.Router) {
		r.Post("/", h.CreateBroadcast)
		r.Get("/", h.ListBroadcasts)
		r.Get("/{id}", h.GetBroadcast)
		r.Delete("/{id}", h.CancelBroadcast)
	})
	r.Route("/api/notify", func(r chi.Router) {
		r.Post("/personal", h.SendPersonal)
		r.Post("/system", h.SendSystem)
		r.Get("/stats", h.NotifyStats)
	})
	r.Route("/api/subscriptions", func(r chi.Router) {
		r.Get("/expiring", h.ListExpiring)
		r.Post("/{id}/check", h.CheckUser)
	})
}

type addUserRequest struct {
	Role            string     `json:"role"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
}

func (h *Handler) AddUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req addUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// The panel speaks in plan codes; group broadcasts match role tags.
	rec := models.AccessRecord{
		UserID:          userID,
		Role:            h.cfg.RoleForPlan(req.Role),
		SubscriptionEnd: req.SubscriptionEnd,
		AddedAt:         time.Now(),
	}
	if !h.registry.AddUser(r.Context(), rec) {
		http.Error(w, "Failed to add user", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": userID, "granted": true})
}

func (h *Handler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	adminID := queryInt64(r, "admin_id")

	if !h.registry.RemoveUser(r.Context(), userID) {
		http.Error(w, "Removal refused", http.StatusForbidden)
		return
	}

	// Out-of-band failsafe: push the trigger text through the chat channel
	// so the bot process blocks the user even if it missed the event.
	if h.trigger != nil {
		if res := h.trigger.Send(r.Context(), userID, models.RevokeTriggerText); res != delivery.SendOK {
			logrus.Warnf("trigger message to %d not delivered: %s", userID, res)
		}
	}
	h.dispatcher.SendBlock(r.Context(), userID, adminID, r.URL.Query().Get("reason"))

	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "removed": true})
}

func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	resp := map[string]any{
		"user_id":    userID,
		"has_access": h.registry.HasAccess(r.Context(), userID),
	}
	if rec, found := h.registry.GetRecord(r.Context(), userID); found {
		resp["record"] = rec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ForceSync(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.ForceSync(r.Context()); err != nil {
		http.Error(w, "Sync failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": true})
}

type createBroadcastRequest struct {
	Title       string                  `json:"title"`
	Body        string                  `json:"body"`
	Audience    models.AudienceSelector `json:"audience"`
	AdminID     int64                   `json:"admin_id"`
	Priority    models.Priority         `json:"priority"`
	ScheduledAt *time.Time              `json:"scheduled_at,omitempty"`
}

func (h *Handler) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var req createBroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}

	id, err := h.broadcasts.Create(r.Context(), req.Title, req.Body, req.Audience, req.AdminID, req.Priority, req.ScheduledAt)
	if err != nil {
		http.Error(w, "Broadcast not created", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"broadcast_id": id})
}

func (h *Handler) ListBroadcasts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.broadcasts.List(r.Context()))
}

func (h *Handler) GetBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.broadcasts.Get(r.Context(), id)
	if !ok {
		http.Error(w, "Broadcast not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"broadcast": job,
		"receipts":  h.broadcasts.Receipts(r.Context(), id),
	})
}

func (h *Handler) CancelBroadcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.broadcasts.Cancel(r.Context(), id) {
		http.Error(w, "Broadcast not cancellable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

type personalRequest struct {
	UserID   int64           `json:"user_id"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	AdminID  int64           `json:"admin_id"`
	Priority models.Priority `json:"priority"`
}

func (h *Handler) SendPersonal(w http.ResponseWriter, r *http.Request) {
	var req personalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !h.dispatcher.SendPersonal(r.Context(), req.UserID, req.Title, req.Body, req.AdminID, req.Priority) {
		http.Error(w, "Failed to send", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

type systemRequest struct {
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Priority models.Priority `json:"priority"`
}

func (h *Handler) SendSystem(w http.ResponseWriter, r *http.Request) {
	var req systemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !h.dispatcher.SendSystemUpdate(r.Context(), req.Title, req.Body, req.Priority) {
		http.Error(w, "Failed to send", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (h *Handler) NotifyStats(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "Invalid date", http.StatusBadRequest)
			return
		}
		day = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":    day.Format("2006-01-02"),
		"stats":   h.dispatcher.Stats(r.Context(), day),
		"pending": h.dispatcher.PendingCount(r.Context()),
	})
}

func (h *Handler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid days", http.StatusBadRequest)
			return
		}
		days = parsed
	}
	users, err := h.monitor.ListExpiring(r.Context(), days)
	if err != nil {
		http.Error(w, "Failed to list expiring users", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "users": users})
}

func (h *Handler) CheckUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	sent, err := h.monitor.CheckUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "reminder_sent": sent})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt64(r *http.Request, key string) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("failed to encode response: %v", err)
	}
}
