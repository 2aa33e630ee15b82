package api

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/Hiviexd/kanban-board/domain"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// AuthConfig selects how bearer tokens are verified. A non-empty
// HS256Secret replaces JWKS verification, for local runs and tests.
type AuthConfig struct {
	Audience    string
	Issuer      string
	HS256Secret string
	KeyCacheTTL time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(jwks *keyfunc.JWKS, cfg AuthConfig) *Auth {
	a := &Auth{JWKS: jwks, Audience: cfg.Audience, Issuer: cfg.Issuer, keyCacheTTL: cfg.KeyCacheTTL, now: time.Now}
	if a.keyCacheTTL == 0 {
		a.keyCacheTTL = defaultJWKSCacheTTL
	}
	if cfg.HS256Secret != "" {
		a.TestMode = true
		a.TestSecret = []byte(cfg.HS256Secret)
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// PrincipalFromAuthHeader resolves the Authorization header into the caller.
// Failures wrap domain.ErrUnauthenticated.
func (a *Auth) PrincipalFromAuthHeader(h string) (domain.Principal, error) {
	token, err := bearerTokenFromString(h)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	p, err := a.PrincipalFromBearer(token)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	return p, nil
}

// PrincipalFromBearer verifies a raw bearer token.
func (a *Auth) PrincipalFromBearer(token []byte) (domain.Principal, error) {
	if len(token) == 0 {
		return domain.Principal{}, errBadAuthorization
	}

	tokenStr := readOnlyString(token)
	var parsedToken *jwt.Token
	var err error
	if a.TestMode {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return a.keyForToken(t)
		})
	}
	if err != nil {
		return domain.Principal{}, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Principal{}, errors.New("invalid claims")
	}

	// one minute of clock skew either way
	now := a.now()
	if !claims.VerifyExpiresAt(now.Add(-time.Minute).Unix(), true) {
		return domain.Principal{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now.Add(time.Minute).Unix(), false) {
		return domain.Principal{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now.Add(time.Minute).Unix(), false) {
		return domain.Principal{}, errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return domain.Principal{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return domain.Principal{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Principal{}, errors.New("missing sub")
	}
	p := domain.Principal{UserID: sub}
	p.Name, _ = claims["name"].(string)
	if p.Name == "" {
		p.Name, _ = claims["nickname"].(string)
	}
	p.Picture, _ = claims["picture"].(string)
	return p, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
