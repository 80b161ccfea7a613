package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/devicelink/server/internal/auth"
	"github.com/devicelink/server/internal/middleware"
	"github.com/devicelink/server/internal/model"
)

// MeHandler serves the authenticated profile endpoints
type MeHandler struct {
	links  *auth.LinkService
	logger *slog.Logger
}

// NewMeHandler creates a new profile handler
func NewMeHandler(links *auth.LinkService, logger *slog.Logger) *MeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeHandler{links: links, logger: logger.With("component", "me_handler")}
}

// deviceResponse is a linked device as shown to its owner. The token hash is never exposed.
type deviceResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Platform   string     `json:"platform"`
	AppVersion *string    `json:"appVersion,omitempty"`
	LinkedAt   time.Time  `json:"linkedAt"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

func newDeviceResponse(d model.Device) deviceResponse {
	return deviceResponse{
		ID:         d.ID.String(),
		Name:       d.Name,
		Platform:   string(d.Platform),
		AppVersion: d.AppVersion,
		LinkedAt:   d.LinkedAt.UTC(),
		LastSeenAt: d.LastSeenAt,
	}
}

// meResponse is the JSON response for GET /api/me
type meResponse struct {
	userResponse
	LinkedDevices []deviceResponse `json:"linkedDevices"`
}

// HandleMe handles GET /api/me (session required)
func (h *MeHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithServiceError(w, h.logger, auth.ErrAuthRequired)
		return
	}

	devices, err := h.links.ListDevices(r.Context(), user.ID)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	resp := meResponse{
		userResponse:  newUserResponse(*user),
		LinkedDevices: make([]deviceResponse, 0, len(devices)),
	}
	for _, d := range devices {
		resp.LinkedDevices = append(resp.LinkedDevices, newDeviceResponse(d))
	}
	respondJSON(w, http.StatusOK, resp)
}

// deviceMeResponse is the JSON response for GET /api/device/me
type deviceMeResponse struct {
	Device deviceResponse `json:"device"`
	UserID string         `json:"userId"`
}

// HandleDeviceMe handles GET /api/device/me (device token required)
func (h *MeHandler) HandleDeviceMe(w http.ResponseWriter, r *http.Request) {
	device, ok := middleware.GetDevice(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "missing device token")
		return
	}
	respondJSON(w, http.StatusOK, deviceMeResponse{
		Device: newDeviceResponse(*device),
		UserID: device.UserID,
	})
}
