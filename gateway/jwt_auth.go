package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adonese/linka/apperr"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
)

const userIDKey = "user_id"

// TokenClaims is the linka standard claim set.
type TokenClaims struct {
	UserID uint `json:"user_id"`
	jwt.StandardClaims
}

// JWTAuth provides an encapsulation for jwt auth.
type JWTAuth struct {
	Key []byte
}

// Init loads the signing key, generating an ephemeral one when the config
// does not supply a secret. Ephemeral keys invalidate tokens on restart.
func (j *JWTAuth) Init(secret string) {
	if secret != "" {
		j.Key = []byte(secret)
		return
	}
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	j.Key = []byte(hex.EncodeToString(buf))
}

// GenerateJWT issues a signed token for the given user.
func (j *JWTAuth) GenerateJWT(userID uint) (string, error) {
	if len(j.Key) == 0 {
		return "", errors.New("empty jwt key")
	}
	now := time.Now().UTC()
	claims := TokenClaims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(3 * time.Hour).Unix(),
			Issuer:    "linka",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.Key)
}

// VerifyJWT validates tokenString and returns its claims.
func (j *JWTAuth) VerifyJWT(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("token is invalid")
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the authenticated user id on the context.
func (j *JWTAuth) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		raw = strings.TrimPrefix(raw, "Bearer ")
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
			return
		}
		claims, err := j.VerifyJWT(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apperr.Payload(apperr.Wrap(err, apperr.ErrUnauthorized, "token is invalid")))
			return
		}
		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}

// UserID returns the authenticated user id set by AuthMiddleware.
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}
