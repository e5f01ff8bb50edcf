package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	m := NewManager("test-secret", "quotaledger", time.Hour)

	token, err := m.GenerateToken("bot-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "bot-1", claims.CallerID)
	assert.Equal(t, "quotaledger", claims.Issuer)
}

func TestValidateToken_Expired(t *testing.T) {
	m := NewManager("test-secret", "quotaledger", -time.Minute)

	token, err := m.GenerateToken("bot-1")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	m := NewManager("test-secret", "quotaledger", time.Hour)
	other := NewManager("other-secret", "quotaledger", time.Hour)

	token, err := m.GenerateToken("bot-1")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func setupRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/v1/ledger/plans", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": c.GetString("caller_id")})
	})
	return router
}

func TestMiddleware(t *testing.T) {
	m := NewManager("test-secret", "quotaledger", time.Hour)
	router := setupRouter(m)

	// Health endpoints skip authentication.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Missing token is rejected.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/ledger/plans", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid token passes and exposes the caller id.
	token, err := m.GenerateToken("bot-1")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/ledger/plans", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bot-1")
}
