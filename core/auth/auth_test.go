package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fair_platform/core/auth"
	"fair_platform/core/schema"
	"fair_platform/core/store"
	"fair_platform/core/testutil"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	inner *store.Store
	calls int
}

func (c *countingStore) UpsertOsmUser(ctx context.Context, principal schema.Principal) (schema.OsmUser, error) {
	c.calls++
	return c.inner.UpsertOsmUser(ctx, principal)
}

func (c *countingStore) GetOsmUser(ctx context.Context, osmId int64) (schema.OsmUser, error) {
	return c.inner.GetOsmUser(ctx, osmId)
}

type fixedProvider struct {
	principal *schema.Principal
	err       error
	calls     int
}

func (p *fixedProvider) ResolveToken(ctx context.Context, token string) (*schema.Principal, error) {
	p.calls++
	return p.principal, p.err
}

func request(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/dataset", nil)
	if token != "" {
		r.Header.Set(auth.AccessTokenHeader, token)
	}
	return r
}

func TestAuthenticateWithoutToken(t *testing.T) {
	users := &countingStore{inner: store.New(testutil.OpenDB(t))}
	a := auth.NewAuthenticator(&fixedProvider{}, users, 0)

	_, _, err := a.Authenticate(request(""))
	assert.ErrorIs(t, err, auth.ErrTokenNotSupplied)
	assert.ErrorIs(t, err, schema.ErrAuthenticationFailed)
	assert.Equal(t, "Access token not supplied", err.Error())
	assert.Zero(t, users.calls)
}

func TestAuthenticateProviderFailure(t *testing.T) {
	users := &countingStore{inner: store.New(testutil.OpenDB(t))}
	a := auth.NewAuthenticator(&fixedProvider{err: errors.New("bad signature")}, users, 0)

	_, _, err := a.Authenticate(request("garbage"))
	assert.ErrorIs(t, err, auth.ErrOsmAuthFailed)
	assert.Equal(t, "Osm Authentication Failed", err.Error())
	assert.Zero(t, users.calls)
}

func TestAuthenticateUnboundToken(t *testing.T) {
	users := &countingStore{inner: store.New(testutil.OpenDB(t))}
	a := auth.NewAuthenticator(&fixedProvider{}, users, 0)

	user, token, err := a.Authenticate(request("anonymous"))
	require.NoError(t, err)
	assert.Nil(t, user)
	assert.Equal(t, "anonymous", token)
	assert.Zero(t, users.calls, "an unbound token never touches the user store")
}

func TestAuthenticateProvisionsUser(t *testing.T) {
	s := store.New(testutil.OpenDB(t))
	users := &countingStore{inner: s}
	provider := &fixedProvider{principal: &schema.Principal{Id: 77, Username: "mapper", AvatarUrl: "https://a/b.png"}}
	a := auth.NewAuthenticator(provider, users, time.Minute)

	user, token, err := a.Authenticate(request("tok"))
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "tok", token)
	assert.Equal(t, int64(77), user.OsmId)
	assert.Equal(t, "mapper", user.Username)

	stored, err := s.GetOsmUser(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, "https://a/b.png", stored.ImgUrl)

	again, _, err := a.Authenticate(request("tok"))
	require.NoError(t, err)
	assert.Equal(t, user.OsmId, again.OsmId)
	assert.Equal(t, 1, provider.calls, "resolved tokens are cached")
	assert.Equal(t, 1, users.calls)
}

func TestCachedTokenSeesStaffChanges(t *testing.T) {
	s := store.New(testutil.OpenDB(t))
	ctx := context.Background()
	provider := &fixedProvider{principal: &schema.Principal{Id: 78, Username: "validator"}}
	a := auth.NewAuthenticator(provider, &countingStore{inner: s}, time.Hour)

	user, _, err := a.Authenticate(request("tok"))
	require.NoError(t, err)
	assert.False(t, user.IsStaff)

	require.NoError(t, s.SetStaff(ctx, 78, true))
	user, _, err = a.Authenticate(request("tok"))
	require.NoError(t, err)
	assert.True(t, user.IsStaff)
	assert.True(t, user.Principal().IsAdmin)

	require.NoError(t, s.SetStaff(ctx, 78, false))
	user, _, err = a.Authenticate(request("tok"))
	require.NoError(t, err)
	assert.False(t, user.IsStaff, "revoked staff takes effect while the token is cached")
	assert.Equal(t, 1, provider.calls)
}

func TestOsmTokenProvider(t *testing.T) {
	provider, err := auth.NewOsmTokenProvider(auth.OsmConfig{SecretKey: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	token, err := provider.IssueToken(schema.Principal{Id: 42, Username: "mapper"}, time.Minute)
	require.NoError(t, err)

	principal, err := provider.ResolveToken(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, principal)
	assert.Equal(t, int64(42), principal.Id)
	assert.Equal(t, "mapper", principal.Username)

	unbound, err := provider.IssueToken(schema.Principal{}, time.Minute)
	require.NoError(t, err)
	principal, err = provider.ResolveToken(ctx, unbound)
	require.NoError(t, err)
	assert.Nil(t, principal)

	other, err := auth.NewOsmTokenProvider(auth.OsmConfig{SecretKey: "other"})
	require.NoError(t, err)
	_, err = other.ResolveToken(ctx, token)
	assert.Error(t, err)

	expired, err := provider.IssueToken(schema.Principal{Id: 42}, -time.Minute)
	require.NoError(t, err)
	_, err = provider.ResolveToken(ctx, expired)
	assert.Error(t, err)

	_, err = auth.NewOsmTokenProvider(auth.OsmConfig{})
	assert.Error(t, err)
}

func TestLoginUrl(t *testing.T) {
	provider, err := auth.NewOsmTokenProvider(auth.OsmConfig{
		Url:              "https://www.openstreetmap.org",
		ClientId:         "client",
		SecretKey:        "secret",
		LoginRedirectUri: "https://fair.example/callback",
		Scope:            "read_prefs",
	})
	require.NoError(t, err)

	login, err := auth.NewAuthenticator(provider, nil, 0).LoginUrl("xyz")
	require.NoError(t, err)
	assert.Contains(t, login, "https://www.openstreetmap.org/oauth2/authorize?")
	assert.Contains(t, login, "client_id=client")
	assert.Contains(t, login, "state=xyz")

	_, err = auth.NewAuthenticator(&fixedProvider{}, nil, 0).LoginUrl("xyz")
	assert.ErrorIs(t, err, auth.ErrLoginNotSupported)
}

func TestMiddleware(t *testing.T) {
	users := &countingStore{inner: store.New(testutil.OpenDB(t))}
	provider := &fixedProvider{principal: &schema.Principal{Id: 5, Username: "five"}}
	a := auth.NewAuthenticator(provider, users, 0)

	whoami := func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.UserFromContext(r)
		if err != nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(user.Username))
	}

	r := chi.NewRouter()
	r.With(a.Optional()).Get("/read", whoami)
	r.With(a.Required()).Post("/write", whoami)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/read", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/write", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set(auth.AccessTokenHeader, "tok")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "five", w.Body.String())
}

func TestJobTokens(t *testing.T) {
	jwt := auth.NewJwtManager([]byte("job-secret"), time.Hour)

	r := chi.NewRouter()
	r.With(jwt.Verifier(), jwt.Authenticator()).Post("/job", func(w http.ResponseWriter, r *http.Request) {
		name, err := auth.JobNameFromContext(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(name))
	})

	token, err := jwt.CreateJobToken("train-abc-0")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/job", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "train-abc-0", w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/job", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
