package auth

import (
	"context"
	"fmt"
	"log/slog"

	"fair_platform/core/schema"

	"github.com/Nerzal/gocloak/v13"
)

type KeycloakArgs struct {
	KeycloakServerUrl string `env:"KEYCLOAK_SERVER_URL"`
	Realm             string `env:"KEYCLOAK_REALM" envDefault:"fair"`
	OsmIdClaim        string `env:"KEYCLOAK_OSM_ID_CLAIM" envDefault:"osm_id"`
}

// KeycloakProvider resolves tokens issued by a keycloak realm that brokers OSM
// logins. The OSM identity is read from a userinfo claim mapped from the
// brokered account.
type KeycloakProvider struct {
	keycloak *gocloak.GoCloak
	args     KeycloakArgs
}

func NewKeycloakProvider(args KeycloakArgs) (*KeycloakProvider, error) {
	if args.KeycloakServerUrl == "" {
		return nil, fmt.Errorf("KEYCLOAK_SERVER_URL must be set to use the keycloak identity provider")
	}
	slog.Info("using keycloak identity provider", "server", args.KeycloakServerUrl, "realm", args.Realm)
	return &KeycloakProvider{keycloak: gocloak.NewClient(args.KeycloakServerUrl), args: args}, nil
}

func (p *KeycloakProvider) ResolveToken(ctx context.Context, token string) (*schema.Principal, error) {
	info, err := p.keycloak.GetRawUserInfo(ctx, token, p.args.Realm)
	if err != nil {
		return nil, fmt.Errorf("error retrieving keycloak user info: %w", err)
	}
	return principalFromClaims(info, p.args.OsmIdClaim)
}

func principalFromClaims(claims map[string]interface{}, osmIdClaim string) (*schema.Principal, error) {
	id, err := int64Claim(claims[osmIdClaim])
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}

	username, _ := claims["preferred_username"].(string)
	picture, _ := claims["picture"].(string)
	return &schema.Principal{Id: id, Username: username, AvatarUrl: picture}, nil
}
