package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const userContextKey = "relay.user"

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidCredentials = errors.New("invalid credentials")
)

// bearerToken extracts the credential from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// authenticate verifies the HMAC token and returns the subject user id.
// With no secret configured (development only), the user comes from the
// unauthenticated user query parameter.
func authenticate(r *http.Request, secret string) (string, error) {
	if secret == "" {
		user := r.URL.Query().Get("user")
		if user == "" {
			return "", errMissingCredentials
		}
		return user, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return "", errMissingCredentials
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", errInvalidCredentials
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errInvalidCredentials
	}
	return sub, nil
}

// requireAuth is the middleware form for plain HTTP endpoints. WebSocket
// handlers authenticate inline so they can answer with close frames.
func requireAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := authenticate(c.Request, secret)
		if err != nil {
			status := http.StatusUnauthorized
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

func authedUser(c *gin.Context) string {
	return c.GetString(userContextKey)
}

// MintToken issues an HS256 bearer for userID. Used by the daemon's token
// tooling and by tests.
func MintToken(secret, userID string) (string, error) {
	claims := jwt.MapClaims{"sub": userID}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
