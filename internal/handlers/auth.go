package handlers

import (
	"net/http"
	"time"

	"github.com/ganadoscan/ganadoscan/internal/errors"
	"github.com/ganadoscan/ganadoscan/internal/utils"
)

// TokenRequest exchanges the field API key for a bearer token
type TokenRequest struct {
	APIKey   string `json:"api_key" validate:"required"`
	DeviceID string `json:"device_id,omitempty" validate:"omitempty,max=128"`
}

// TokenResponse carries a device bearer token
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// issueToken handles POST /auth/token
func (r *Router) issueToken(w http.ResponseWriter, req *http.Request) {
	if !r.authLimit.Allow() {
		respondJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many token requests", Code: errors.CodeRemoteUnavailable})
		return
	}

	var body TokenRequest
	if err := r.decode(w, req, &body); err != nil {
		r.respondError(w, err)
		return
	}

	if !utils.CheckPasswordHash(body.APIKey, r.keyHash) {
		r.respondError(w, errors.Unauthorized("invalid API key"))
		return
	}

	deviceID := body.DeviceID
	if deviceID == "" {
		deviceID = "device"
	}
	token, expiresAt, err := utils.GenerateDeviceToken(deviceID, r.secret, r.tokenTTL)
	if err != nil {
		r.respondError(w, errors.Wrap(err, errors.CodeInternal, "failed to generate token"))
		return
	}

	r.log.Info("issued device token", "device", deviceID, "expires_at", expiresAt)
	respondJSON(w, http.StatusOK, TokenResponse{Token: token, ExpiresAt: expiresAt})
}
