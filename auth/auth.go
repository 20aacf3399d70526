package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/logger"
)

var log = logger.Named("auth")

// Resolver turns a websocket handshake into a connection identity. A request
// without a usable credential resolves to ("", false); that is not an error.
type Resolver interface {
	Resolve(r *http.Request) (string, bool)
}

// JWTResolver reads an HMAC-signed JWT from a cookie, a bearer Authorization
// header or a query parameter, checked in that order.
type JWTResolver struct {
	secret     []byte
	cookieName string
	queryParam string
	parser     *jwt.Parser
}

func NewJWTResolver(secret []byte, cookieName, queryParam string) *JWTResolver {
	return &JWTResolver{
		secret:     secret,
		cookieName: cookieName,
		queryParam: queryParam,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (a *JWTResolver) Resolve(r *http.Request) (string, bool) {
	tokenString := a.extractToken(r)
	if tokenString == "" {
		return "", false
	}

	identity, err := a.identity(tokenString)
	if err != nil {
		log.Debug("rejecting handshake token", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return "", false
	}
	return identity, true
}

func (a *JWTResolver) extractToken(r *http.Request) string {
	if a.cookieName != "" {
		if c, err := r.Cookie(a.cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	if a.queryParam != "" {
		return r.URL.Query().Get(a.queryParam)
	}
	return ""
}

func (a *JWTResolver) identity(tokenString string) (string, error) {
	token, err := a.parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	if name, ok := claims["username"].(string); ok && name != "" {
		return name, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("invalid token subject")
	}
	return sub, nil
}

// IssueToken signs a token for username. Token minting belongs to the
// application's auth service; this exists for local development and tests.
func IssueToken(secret []byte, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      username,
		"username": username,
		"exp":      now.Add(ttl).Unix(),
		"iat":      now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}

	return signedToken, nil
}

// Static resolves every request to the same identity. An empty identity
// means every connection is anonymous.
type Static string

func (s Static) Resolve(*http.Request) (string, bool) {
	return string(s), s != ""
}
