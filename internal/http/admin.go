// Package http exposes the gateway's operational HTTP surface: health,
// device status, live conversations, cache invalidation and metrics.
package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/autoreply/internal/bus"
	"github.com/nextlevelbuilder/autoreply/internal/channels"
	"github.com/nextlevelbuilder/autoreply/internal/conversations"
	"github.com/nextlevelbuilder/autoreply/pkg/protocol"
)

// DeviceLister reports device channel status.
type DeviceLister interface {
	GetStatus() []channels.ChannelStatus
}

// ConversationStore is the subset of the conversation table the API uses.
type ConversationStore interface {
	List(tenantID string) []conversations.State
	End(tenantID, peerID string) bool
	Len() int
}

// AdminHandler serves the ops endpoints. /healthz and /metrics are open;
// /v1 routes require the bearer token when one is configured.
type AdminHandler struct {
	devices DeviceLister
	conv    ConversationStore
	events  bus.EventPublisher
	token   string
}

// NewAdminHandler creates the handler.
func NewAdminHandler(devices DeviceLister, conv ConversationStore, events bus.EventPublisher, token string) *AdminHandler {
	return &AdminHandler{devices: devices, conv: conv, events: events, token: token}
}

// RegisterRoutes registers all routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/devices", h.auth(h.handleDevices))
	mux.HandleFunc("GET /v1/conversations", h.auth(h.handleListConversations))
	mux.HandleFunc("DELETE /v1/conversations/{tenant}/{peer}", h.auth(h.handleEndConversation))
	mux.HandleFunc("POST /v1/cache/invalidate", h.auth(h.handleInvalidate))
}

// Mux returns a new ServeMux with all routes registered.
func (h *AdminHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func (h *AdminHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			got := extractBearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (h *AdminHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	status := h.devices.GetStatus()
	for _, d := range status {
		if d.Running {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"devices":           len(status),
		"devices_connected": connected,
		"conversations":     h.conv.Len(),
	})
}

func (h *AdminHandler) handleDevices(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	out := make([]channels.ChannelStatus, 0)
	for _, d := range h.devices.GetStatus() {
		if tenant == "" || d.TenantID == tenant {
			out = append(out, d)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": out})
}

func (h *AdminHandler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	states := h.conv.List(r.URL.Query().Get("tenant"))
	sort.Slice(states, func(i, j int) bool {
		return states[i].LastActivityAt.After(states[j].LastActivityAt)
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": states})
}

func (h *AdminHandler) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	tenant, peer := r.PathValue("tenant"), r.PathValue("peer")
	if !h.conv.End(tenant, peer) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

type invalidateRequest struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

func (h *AdminHandler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	switch req.Kind {
	case bus.CacheKindRules, bus.CacheKindDevices:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be \"rules\" or \"devices\""})
		return
	}

	h.events.Broadcast(bus.Event{
		Name:    protocol.EventCacheInvalidate,
		Payload: bus.CacheInvalidatePayload{Kind: req.Kind, Key: req.Key},
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "invalidated"})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
