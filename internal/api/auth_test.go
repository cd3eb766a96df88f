package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newAuthRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/guarded", TokenAuth(token), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func authRequest(router *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/guarded", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestTokenAuth_Disabled tests that an empty token disables the guard
func TestTokenAuth_Disabled(t *testing.T) {
	router := newAuthRouter("")

	w := authRequest(router, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestTokenAuth_MissingCredentials tests rejection without credentials
func TestTokenAuth_MissingCredentials(t *testing.T) {
	router := newAuthRouter("secret-token")

	w := authRequest(router, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestTokenAuth_APIKeyHeader tests the X-API-Key header path
func TestTokenAuth_APIKeyHeader(t *testing.T) {
	router := newAuthRouter("secret-token")

	w := authRequest(router, map[string]string{"X-API-Key": "secret-token"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = authRequest(router, map[string]string{"X-API-Key": "bad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestTokenAuth_BearerHeader tests the Authorization header path
func TestTokenAuth_BearerHeader(t *testing.T) {
	router := newAuthRouter("secret-token")

	w := authRequest(router, map[string]string{"Authorization": "Bearer secret-token"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = authRequest(router, map[string]string{"Authorization": "Basic secret-token"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// TestTokenAuth_APIKeyTakesPrecedence tests header ordering when both are set
func TestTokenAuth_APIKeyTakesPrecedence(t *testing.T) {
	router := newAuthRouter("secret-token")

	// X-API-Key wins even when the bearer token is valid
	w := authRequest(router, map[string]string{
		"X-API-Key":     "bad",
		"Authorization": "Bearer secret-token",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
