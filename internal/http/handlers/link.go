package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/devicelink/server/internal/auth"
	"github.com/devicelink/server/internal/middleware"
	"github.com/devicelink/server/internal/model"
	"github.com/go-chi/chi/v5"
)

// LinkHandler serves the device link endpoints
type LinkHandler struct {
	links  *auth.LinkService
	logger *slog.Logger
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(links *auth.LinkService, logger *slog.Logger) *LinkHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkHandler{links: links, logger: logger.With("component", "link_handler")}
}

// linkInitRequest is the request body for POST /api/device/link-init
type linkInitRequest struct {
	DeviceName        string  `json:"deviceName"`
	Platform          string  `json:"platform"`
	AppVersion        *string `json:"appVersion"`
	DeviceFingerprint *string `json:"deviceFingerprint"`
}

// linkInitResponse is the JSON response for link-init
type linkInitResponse struct {
	DeviceLinkID    string    `json:"deviceLinkId"`
	Code            string    `json:"code"`
	ExpiresAt       time.Time `json:"expiresAt"`
	VerificationURL string    `json:"verificationUrl"`
	PollInterval    int       `json:"pollInterval"`
}

// HandleLinkInit handles POST /api/device/link-init
func (h *LinkHandler) HandleLinkInit(w http.ResponseWriter, r *http.Request) {
	var req linkInitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	res, err := h.links.CreateLinkRequest(r.Context(), auth.CreateLinkInput{
		DeviceName:  req.DeviceName,
		Platform:    req.Platform,
		AppVersion:  req.AppVersion,
		Fingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, linkInitResponse{
		DeviceLinkID:    res.ID,
		Code:            res.Code,
		ExpiresAt:       res.ExpiresAt.UTC(),
		VerificationURL: res.VerificationURL,
		PollInterval:    int(res.PollInterval / time.Second),
	})
}

// linkCompleteRequest is the request body for POST /api/device/link-complete
type linkCompleteRequest struct {
	Code string `json:"code"`
}

// linkCompleteResponse is the JSON response for link-complete
type linkCompleteResponse struct {
	Success      bool   `json:"success"`
	DeviceLinkID string `json:"deviceLinkId"`
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	Platform     string `json:"platform"`
}

// HandleLinkComplete handles POST /api/device/link-complete (session required)
func (h *LinkHandler) HandleLinkComplete(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithServiceError(w, h.logger, auth.ErrAuthRequired)
		return
	}

	var req linkCompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "VALIDATION_ERROR", "code is required and must be a string")
		return
	}

	res, err := h.links.CompleteLink(r.Context(), user.ID, req.Code)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, linkCompleteResponse{
		Success:      true,
		DeviceLinkID: res.LinkRequestID,
		DeviceID:     res.DeviceID.String(),
		DeviceName:   res.DeviceName,
		Platform:     string(res.Platform),
	})
}

// userResponse is the user object in API responses
type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func newUserResponse(u model.User) userResponse {
	name := u.DisplayName
	if name == "" {
		name = u.Email
	}
	return userResponse{ID: u.ID, Email: u.Email, DisplayName: name}
}

// statusResponse is the JSON response for the status poll
type statusResponse struct {
	Status       string        `json:"status"`
	DeviceLinkID string        `json:"deviceLinkId"`
	ExpiresAt    *time.Time    `json:"expiresAt,omitempty"`
	AccessToken  string        `json:"accessToken,omitempty"`
	User         *userResponse `json:"user,omitempty"`
	PollInterval int           `json:"pollInterval,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// HandleStatus handles GET /api/device/status/{deviceLinkId}.
// An expired request answers 200 so pollers only need to read the status field.
func (h *LinkHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceLinkId")

	res, err := h.links.PollStatus(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, h.logger, err)
		return
	}

	resp := statusResponse{
		Status:       string(res.Status),
		DeviceLinkID: res.ID,
		AccessToken:  res.AccessToken,
	}
	switch res.Status {
	case model.LinkStatusPending:
		if res.ExpiresAt != nil {
			t := res.ExpiresAt.UTC()
			resp.ExpiresAt = &t
		}
		resp.PollInterval = int(res.PollInterval / time.Second)
		resp.Message = "Waiting for user approval"
	case model.LinkStatusExpired:
		resp.Message = "This device link request has expired"
	}
	if res.User != nil {
		u := newUserResponse(*res.User)
		resp.User = &u
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, resp)
}
