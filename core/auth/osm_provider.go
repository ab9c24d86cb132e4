package auth

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"fair_platform/core/schema"

	"github.com/golang-jwt/jwt/v5"
)

type OsmConfig struct {
	Url              string `env:"OSM_URL" envDefault:"https://www.openstreetmap.org"`
	ClientId         string `env:"OSM_CLIENT_ID"`
	ClientSecret     string `env:"OSM_CLIENT_SECRET"`
	SecretKey        string `env:"OSM_SECRET_KEY"`
	LoginRedirectUri string `env:"OSM_LOGIN_REDIRECT_URI"`
	Scope            string `env:"OSM_SCOPE" envDefault:"read_prefs"`
}

// OsmTokenProvider verifies the access tokens handed out after the OSM OAuth
// login. Tokens are HS256 JWTs signed with the OSM secret key and carry the
// OSM user id, username and avatar.
type OsmTokenProvider struct {
	config OsmConfig
}

func NewOsmTokenProvider(config OsmConfig) (*OsmTokenProvider, error) {
	if config.SecretKey == "" {
		return nil, fmt.Errorf("OSM_SECRET_KEY must be set to verify osm access tokens")
	}
	return &OsmTokenProvider{config: config}, nil
}

const (
	claimId       = "id"
	claimUsername = "username"
	claimImgUrl   = "img_url"
)

func (p *OsmTokenProvider) keyFunc(token *jwt.Token) (interface{}, error) {
	return []byte(p.config.SecretKey), nil
}

func (p *OsmTokenProvider) ResolveToken(ctx context.Context, token string) (*schema.Principal, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, p.keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid osm access token: %w", err)
	}

	id, err := int64Claim(claims[claimId])
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}

	username, _ := claims[claimUsername].(string)
	imgUrl, _ := claims[claimImgUrl].(string)
	return &schema.Principal{Id: id, Username: username, AvatarUrl: imgUrl}, nil
}

func int64Claim(value interface{}) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(v), nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid osm id '%v': %w", v, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("invalid osm id claim of type %T", value)
}

// IssueToken signs an access token for principal, as done at the end of the
// OSM login.
func (p *OsmTokenProvider) IssueToken(principal schema.Principal, exp time.Duration) (string, error) {
	claims := jwt.MapClaims{
		claimId:       principal.Id,
		claimUsername: principal.Username,
		claimImgUrl:   principal.AvatarUrl,
		"exp":         time.Now().Add(exp).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.config.SecretKey))
	if err != nil {
		return "", fmt.Errorf("error signing osm access token: %w", err)
	}
	return token, nil
}

// LoginUrl is the OSM authorization page the frontend sends users to.
func (p *OsmTokenProvider) LoginUrl(state string) (string, error) {
	base, err := url.JoinPath(p.config.Url, "oauth2", "authorize")
	if err != nil {
		return "", fmt.Errorf("invalid OSM_URL '%v': %w", p.config.Url, err)
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", p.config.ClientId)
	query.Set("redirect_uri", p.config.LoginRedirectUri)
	query.Set("scope", p.config.Scope)
	query.Set("state", state)

	return base + "?" + query.Encode(), nil
}
