package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	AuthContextKey = "principal"
	tokenIssuer    = "livevtt"
)

var jwtSecret string

// SetJWTSecret sets the JWT secret for the middleware
func SetJWTSecret(secret string) {
	jwtSecret = secret
}

// JWTAuth middleware validates bearer tokens issued by GenerateToken or a
// remote caption sink
func JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
			c.Abort()
			return
		}

		subject, ok := parseToken(parts[1])
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(AuthContextKey, subject)
		c.Next()
	}
}

func parseToken(tokenString string) (string, bool) {
	if jwtSecret == "" {
		return "", false
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(jwtSecret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", false
	}
	return claims.Subject, true
}

// BasicAuth middleware checks HTTP basic credentials
func BasicAuth(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok || !credentialsMatch(user, pass, username, password) {
			c.Header("WWW-Authenticate", `Basic realm="livevtt"`)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			c.Abort()
			return
		}
		c.Set(AuthContextKey, user)
		c.Next()
	}
}

func credentialsMatch(user, pass, wantUser, wantPass string) bool {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass))
	return u&p == 1
}

// CaptionAuth accepts either a bearer token or basic credentials. When
// neither a JWT secret nor a username is configured every request passes.
func CaptionAuth(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" && username == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			if subject, ok := parseToken(strings.TrimPrefix(authHeader, "Bearer ")); ok {
				c.Set(AuthContextKey, subject)
				c.Next()
				return
			}
		}

		if username != "" {
			if user, pass, ok := c.Request.BasicAuth(); ok && credentialsMatch(user, pass, username, password) {
				c.Set(AuthContextKey, user)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Valid authentication required"})
		c.Abort()
	}
}

// GenerateToken generates a JWT token for subject
func GenerateToken(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}

// GetPrincipal retrieves the authenticated subject from the context
func GetPrincipal(c *gin.Context) (string, bool) {
	v, exists := c.Get(AuthContextKey)
	if !exists {
		return "", false
	}

	s, ok := v.(string)
	return s, ok
}
