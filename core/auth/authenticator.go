package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fair_platform/core/schema"

	"github.com/patrickmn/go-cache"
)

// IdentityProvider resolves an access token to the principal it was issued
// to. A valid token that carries no identity resolves to (nil, nil).
type IdentityProvider interface {
	ResolveToken(ctx context.Context, token string) (*schema.Principal, error)
}

// UserStore keeps the local record of every principal that has logged in.
type UserStore interface {
	UpsertOsmUser(ctx context.Context, principal schema.Principal) (schema.OsmUser, error)
	GetOsmUser(ctx context.Context, osmId int64) (schema.OsmUser, error)
}

type AuthenticationError struct {
	Msg string
}

func (e *AuthenticationError) Error() string {
	return e.Msg
}

func (e *AuthenticationError) Unwrap() error {
	return schema.ErrAuthenticationFailed
}

var (
	ErrTokenNotSupplied = &AuthenticationError{Msg: "Access token not supplied"}
	ErrOsmAuthFailed    = &AuthenticationError{Msg: "Osm Authentication Failed"}
)

const AccessTokenHeader = "access-token"

// resolved is what the cache keeps per token. Only the identity is cached,
// the user row is read on every request so staff changes apply at once.
type resolved struct {
	principal *schema.Principal
}

type Authenticator struct {
	provider IdentityProvider
	users    UserStore
	cache    *cache.Cache
}

// NewAuthenticator caches resolved tokens for ttl; a zero ttl disables the
// cache.
func NewAuthenticator(provider IdentityProvider, users UserStore, ttl time.Duration) *Authenticator {
	a := &Authenticator{provider: provider, users: users}
	if ttl > 0 {
		a.cache = cache.New(ttl, 2*ttl)
	}
	return a
}

// LoginProvider is implemented by identity providers that run their own
// browser login flow.
type LoginProvider interface {
	LoginUrl(state string) (string, error)
}

var ErrLoginNotSupported = errors.New("identity provider has no login flow")

// LoginUrl returns where to send a browser to log in with the configured
// identity provider.
func (a *Authenticator) LoginUrl(state string) (string, error) {
	provider, ok := a.provider.(LoginProvider)
	if !ok {
		return "", ErrLoginNotSupported
	}
	return provider.LoginUrl(state)
}

func tokenFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AccessTokenHeader))
}

// Authenticate returns the local user for the request's access token together
// with the token. The user is nil when the token is valid but not bound to an
// identity; in that case the user store is not touched.
func (a *Authenticator) Authenticate(r *http.Request) (*schema.OsmUser, string, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return nil, "", ErrTokenNotSupplied
	}

	if a.cache != nil {
		if cached, ok := a.cache.Get(token); ok {
			user, err := a.lookup(r.Context(), cached.(resolved).principal)
			if err != nil {
				return nil, "", err
			}
			return user, token, nil
		}
	}

	principal, err := a.provider.ResolveToken(r.Context(), token)
	if err != nil {
		slog.Info("osm token rejected", "error", err)
		return nil, "", ErrOsmAuthFailed
	}

	var user *schema.OsmUser
	if principal != nil {
		u, err := a.users.UpsertOsmUser(r.Context(), *principal)
		if err != nil {
			return nil, "", err
		}
		user = &u
	}

	if a.cache != nil {
		a.cache.SetDefault(token, resolved{principal: principal})
	}
	return user, token, nil
}

// lookup loads the current row of a cached principal, provisioning it again
// if it was removed since the token was resolved.
func (a *Authenticator) lookup(ctx context.Context, principal *schema.Principal) (*schema.OsmUser, error) {
	if principal == nil {
		return nil, nil
	}
	user, err := a.users.GetOsmUser(ctx, principal.Id)
	if errors.Is(err, schema.ErrUserNotFound) {
		user, err = a.users.UpsertOsmUser(ctx, *principal)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

type requestContextKey string

const (
	userContextKey  requestContextKey = "user"
	tokenContextKey requestContextKey = "access_token"
)

func (a *Authenticator) middleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			if !required && tokenFromRequest(r) == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, token, err := a.Authenticate(r)
			if err != nil {
				if errors.Is(err, schema.ErrAuthenticationFailed) {
					http.Error(w, err.Error(), http.StatusUnauthorized)
					return
				}
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), tokenContextKey, token)
			if user != nil {
				ctx = context.WithValue(ctx, userContextKey, *user)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(handler)
	}
}

// Required rejects requests without a valid access token.
func (a *Authenticator) Required() func(http.Handler) http.Handler {
	return a.middleware(true)
}

// Optional lets requests without a token through anonymously, but still
// rejects invalid tokens.
func (a *Authenticator) Optional() func(http.Handler) http.Handler {
	return a.middleware(false)
}

var ErrNoUser = errors.New("request is not associated with a user")

func UserFromContext(r *http.Request) (schema.OsmUser, error) {
	user, ok := r.Context().Value(userContextKey).(schema.OsmUser)
	if !ok {
		return schema.OsmUser{}, ErrNoUser
	}
	return user, nil
}
