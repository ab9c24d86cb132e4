package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fair_platform/core/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keycloakServer(t *testing.T, users map[string]map[string]interface{}) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/fair/protocol/openid-connect/userinfo" {
			http.NotFound(w, r)
			return
		}
		info, ok := users[r.Header.Get("Authorization")]
		if !ok {
			http.Error(w, `{"error":"invalid_token"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(info))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestKeycloakProvider(t *testing.T) {
	server := keycloakServer(t, map[string]map[string]interface{}{
		"Bearer mapper": {"osm_id": 42, "preferred_username": "mapper", "picture": "https://img/42.png"},
		"Bearer local":  {"preferred_username": "local-only"},
		"Bearer broken": {"osm_id": "not-a-number"},
	})

	provider, err := auth.NewKeycloakProvider(auth.KeycloakArgs{KeycloakServerUrl: server.URL, Realm: "fair", OsmIdClaim: "osm_id"})
	require.NoError(t, err)
	ctx := context.Background()

	principal, err := provider.ResolveToken(ctx, "mapper")
	require.NoError(t, err)
	require.NotNil(t, principal)
	assert.Equal(t, int64(42), principal.Id)
	assert.Equal(t, "mapper", principal.Username)
	assert.Equal(t, "https://img/42.png", principal.AvatarUrl)

	principal, err = provider.ResolveToken(ctx, "local")
	require.NoError(t, err)
	assert.Nil(t, principal, "accounts without a linked osm id resolve to no principal")

	_, err = provider.ResolveToken(ctx, "broken")
	assert.Error(t, err)

	_, err = provider.ResolveToken(ctx, "forged")
	assert.Error(t, err)

	_, err = auth.NewKeycloakProvider(auth.KeycloakArgs{})
	assert.Error(t, err)
}
