package identity

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const defaultJWKSCacheTTL = 15 * time.Minute

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrBadAuthorization     = errors.New("bad auth header")
)

// User is the identity a verified token resolves to.
type User struct {
	ID      string    `json:"id"`
	Admin   bool      `json:"admin"`
	Expires time.Time `json:"expires,omitempty"`
}

// Auth validates bearer tokens issued by Auth0, or HS256 tokens signed with
// a shared secret in test mode.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	AdminRole  string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth verifying RS256 tokens against jwks.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer, adminRole string) *Auth {
	return &Auth{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		AdminRole:   adminRole,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: defaultJWKSCacheTTL,
	}
}

// NewTestAuth creates an Auth accepting HS256 tokens signed with secret.
func NewTestAuth(secret []byte, audience, issuer, adminRole string) *Auth {
	if len(secret) == 0 {
		panic("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
	}
	return &Auth{
		Audience:   audience,
		Issuer:     issuer,
		AdminRole:  adminRole,
		TestMode:   true,
		TestSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
	}
}

// UserFromAuthHeader resolves the user behind an Authorization header value.
func (a *Auth) UserFromAuthHeader(h string) (User, error) {
	token, err := BearerToken(h)
	if err != nil {
		return User{}, err
	}
	return a.UserFromBearer(token)
}

// UserFromBearer verifies a raw JWT and resolves its user.
func (a *Auth) UserFromBearer(token string) (User, error) {
	if token == "" {
		return User{}, ErrBadAuthorization
	}

	var parsed *jwt.Token
	var err error
	if a.TestMode {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsed, err = a.parser.Parse(token, a.keyForToken)
	}
	if err != nil {
		return User{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return User{}, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return User{}, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return User{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return User{}, errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return User{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return User{}, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return User{}, errors.New("missing sub")
	}

	u := User{ID: sub, Admin: a.AdminRole != "" && hasRole(claims, a.AdminRole)}
	if exp, ok := claims["exp"].(float64); ok {
		u.Expires = time.Unix(int64(exp), 0).UTC()
	}
	return u, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
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
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// hasRole looks for role in the Auth0 permissions claim, a plain roles claim
// or a namespaced ".../roles" claim added by a login action.
func hasRole(claims jwt.MapClaims, role string) bool {
	for name, v := range claims {
		if name != "permissions" && name != "roles" && !strings.HasSuffix(name, "/roles") {
			continue
		}
		switch vals := v.(type) {
		case []any:
			for _, item := range vals {
				if s, ok := item.(string); ok && s == role {
					return true
				}
			}
		case string:
			for _, s := range strings.Fields(vals) {
				if s == role {
					return true
				}
			}
		}
	}
	return false
}

// BearerToken extracts the JWT from an Authorization header value.
func BearerToken(h string) (string, error) {
	h = strings.Trim(h, " ")
	if h == "" {
		return "", ErrMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", ErrBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", ErrBadAuthorization
	}
	return token, nil
}
