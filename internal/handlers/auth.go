package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xelth-com/catalogsync/internal/utils"
)

// TokenRequest represents an admin login request
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries a signed admin token
type TokenResponse struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// issueToken checks the admin credentials and returns a JWT
func (r *Router) issueToken(w http.ResponseWriter, req *http.Request) {
	var body TokenRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	admin := r.deps.Admin
	if admin.PasswordHash == "" || admin.JWTSecret == "" {
		respondError(w, http.StatusServiceUnavailable, "Admin login not configured")
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(body.Username), []byte(admin.Username)) == 1
	if !utils.CheckPasswordHash(body.Password, admin.PasswordHash) || !userOK {
		r.log.Warn("Rejected admin login", zap.String("username", body.Username))
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, expiresAt, err := utils.GenerateAdminToken(admin.Username, admin.JWTSecret, admin.TokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	respondJSON(w, http.StatusOK, TokenResponse{AccessToken: token, TokenType: "Bearer", ExpiresAt: expiresAt})
}
