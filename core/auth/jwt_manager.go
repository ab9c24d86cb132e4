package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/jwtauth/v5"
)

// JwtManager signs the tokens training and correction jobs present on their
// status callbacks.
type JwtManager struct {
	auth *jwtauth.JWTAuth
	exp  time.Duration
}

func NewJwtManager(secret []byte, exp time.Duration) *JwtManager {
	return &JwtManager{auth: jwtauth.New("HS256", secret, nil), exp: exp}
}

func (m *JwtManager) Verifier() func(http.Handler) http.Handler {
	return jwtauth.Verifier(m.auth)
}

func (m *JwtManager) Authenticator() func(http.Handler) http.Handler {
	return jwtauth.Authenticator(m.auth)
}

const jobNameKey = "job_name"

func (m *JwtManager) createToken(key, value string, exp time.Duration) (string, error) {
	claims := map[string]interface{}{
		key:   value,
		"exp": time.Now().Add(exp),
	}
	_, token, err := m.auth.Encode(claims)
	if err != nil {
		slog.Error("error generating jwt", "error", err)
		return "", fmt.Errorf("error generating job token: %w", err)
	}
	return token, nil
}

func (m *JwtManager) CreateJobToken(jobName string) (string, error) {
	return m.createToken(jobNameKey, jobName, m.exp)
}

func valueFromContext(r *http.Request, key string) (string, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return "", fmt.Errorf("error retrieving auth claims: %w", err)
	}

	valueUncasted, ok := claims[key]
	if !ok {
		return "", fmt.Errorf("invalid token: unable to locate key %v in claims", key)
	}

	value, ok := valueUncasted.(string)
	if !ok {
		return "", fmt.Errorf("invalid token: value for key %v has invalid type", key)
	}

	return value, nil
}

// JobNameFromContext returns the job a verified callback token was issued to.
func JobNameFromContext(r *http.Request) (string, error) {
	return valueFromContext(r, jobNameKey)
}
