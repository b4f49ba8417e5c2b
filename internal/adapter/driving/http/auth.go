package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims is the relay token payload. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Auth resolves the caller's identity on the websocket upgrade. With a
// secret, a HS256 token is required; without one the user id is taken
// from the query, for development.
type Auth struct {
	secret []byte
}

func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

func (a *Auth) Enabled() bool {
	return len(a.secret) > 0
}

// Identify reads ?token= or ?user=&name= from the request.
func (a *Auth) Identify(r *http.Request) (domain.Party, error) {
	q := r.URL.Query()
	if !a.Enabled() {
		user := q.Get("user")
		if user == "" {
			return domain.Party{}, fmt.Errorf("%w: missing user", ErrUnauthorized)
		}
		return domain.Party{ID: domain.UserID(user), Name: q.Get("name")}, nil
	}

	token := q.Get("token")
	if token == "" {
		return domain.Party{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	claims, err := a.Validate(token)
	if err != nil {
		return domain.Party{}, err
	}
	name := claims.Name
	if name == "" {
		name = q.Get("name")
	}
	return domain.Party{ID: domain.UserID(claims.Subject), Name: name}, nil
}

func (a *Auth) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}
	return claims, nil
}

// Issue signs a token for user, valid for ttl.
func (a *Auth) Issue(user domain.Party, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := Claims{
		Name: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
