package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type orderedCloser struct {
	name  string
	order *[]string
}

func (c orderedCloser) Close() {
	*c.order = append(*c.order, c.name)
}

type orderedRelay struct {
	orderedCloser
}

func (c orderedRelay) Close() error {
	c.orderedCloser.Close()
	return nil
}

func TestTeardownClosesConnectionsBeforeRelay(t *testing.T) {
	var order []string
	teardown(orderedCloser{"connections", &order}, orderedRelay{orderedCloser{"relay", &order}}, zerolog.Nop())
	assert.Equal(t, []string{"connections", "relay"}, order)

	order = nil
	teardown(orderedCloser{"connections", &order}, nil, zerolog.Nop())
	assert.Equal(t, []string{"connections"}, order)
}

func corsRouter(allowed []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(corsMiddleware(allowed))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORSAllowsAnyOriginWhenUnconfigured(t *testing.T) {
	r := corsRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSEchoesOnlyAllowedOrigins(t *testing.T) {
	r := corsRouter([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	r := corsRouter(nil)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}
