package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	port := 19999

	server := NewServer(port, log)

	assert.NotNil(t, server)
	assert.Equal(t, port, server.port)
	assert.Nil(t, server.server) // Server not started yet
}

func TestServerStartAndShutdown(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	port := 19998

	server := NewServer(port, log)
	require.NotNil(t, server)

	err := server.Start()
	require.NoError(t, err)
	assert.NotNil(t, server.server)

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Shutdown(ctx)
	assert.NoError(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	port := 19997

	server := NewServer(port, log)
	require.NoError(t, server.Start())
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}

func TestMetricsEndpoint(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	port := 19996

	// Touch a counter so /metrics has something to show
	RecordTick(1.0)

	server := NewServer(port, log)
	require.NoError(t, server.Start())
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	bodyStr := string(body)
	assert.Contains(t, bodyStr, "# HELP")
	assert.Contains(t, bodyStr, "# TYPE")
	assert.Contains(t, bodyStr, "cadre_ticks_total")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}

func TestShutdownWithoutStart(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	server := NewServer(19995, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(ctx)
	assert.NoError(t, err)
}

func TestRegisterHandler(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	port := 19994

	server := NewServer(port, log)
	require.NoError(t, server.Start())
	time.Sleep(100 * time.Millisecond)

	// Control endpoints are registered after the server is already serving
	server.RegisterHandler("/paused", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"paused":false}`))
	})

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/paused", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"paused":false}`, string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Shutdown(ctx))
}

func TestRegisterHandlerBeforeStart(t *testing.T) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	server := NewServer(19993, log)

	// Must not panic; registration before Start is dropped with a warning
	server.RegisterHandler("/paused", func(w http.ResponseWriter, r *http.Request) {})
}
