package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func protectedRouter(auth *JWTAuth) *gin.Engine {
	gin.SetMode(gin.TestMode)
	route := gin.New()
	route.GET("/v1/whoami", auth.AuthMiddleware(), func(c *gin.Context) {
		userID, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"user_id": userID})
	})
	return route
}

func TestJWTRoundTrip(t *testing.T) {
	auth := &JWTAuth{}
	auth.Init("test-secret")

	token, err := auth.GenerateJWT(42)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := auth.VerifyJWT(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != 42 {
		t.Fatalf("user_id = %d", claims.UserID)
	}
	if claims.Issuer != "linka" {
		t.Fatalf("issuer = %s", claims.Issuer)
	}
}

func TestAuthMiddleware(t *testing.T) {
	auth := &JWTAuth{}
	auth.Init("test-secret")
	route := protectedRouter(auth)

	// no token
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	route.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}

	// garbage token
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	route.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", w.Code)
	}

	// valid token
	token, _ := auth.GenerateJWT(7)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	route.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
}

func TestTokenSignedWithOtherKeyRejected(t *testing.T) {
	a := &JWTAuth{}
	a.Init("secret-a")
	b := &JWTAuth{}
	b.Init("secret-b")

	token, _ := a.GenerateJWT(1)
	if _, err := b.VerifyJWT(token); err == nil {
		t.Fatal("token verified with the wrong key")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	route := gin.New()
	route.Use(RequestID())
	route.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, RequestIDFromCtx(c))
	})

	// caller-supplied id is preserved
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	route.ServeHTTP(w, req)
	if w.Body.String() != "req-123" {
		t.Fatalf("body = %q", w.Body.String())
	}
	if w.Header().Get(RequestIDHeader) != "req-123" {
		t.Fatalf("header = %q", w.Header().Get(RequestIDHeader))
	}

	// one is minted when absent
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	route.ServeHTTP(w, req)
	if w.Body.String() == "" {
		t.Fatal("no request id minted")
	}
}
