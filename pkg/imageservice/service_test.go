package imageservice_test

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-imageflow/pkg/imageservice"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newMemoryConfig(t *testing.T) *imageservice.Config {
	t.Helper()
	cfg, err := imageservice.LoadConfig(imageservice.NewViper(), "")
	require.NoError(t, err)
	cfg.HTTPPort = ":0"
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func TestImageService_EndToEnd(t *testing.T) {
	// Arrange
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	imageBytes := buf.Bytes()

	var originHits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		if r.URL.Path != "/logo.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(imageBytes)
	}))
	t.Cleanup(origin.Close)

	ctx := context.Background()
	service, err := imageservice.New(ctx, newMemoryConfig(t), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, service.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Shutdown(shutdownCtx)
	})
	base := "http://127.0.0.1" + service.GetHTTPPort()
	imageURL := func(target string, extra string) string {
		return base + "/image?url=" + url.QueryEscape(target) + extra
	}

	get := func(t *testing.T, target string) (*http.Response, []byte) {
		t.Helper()
		resp, err := http.Get(target)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	t.Run("First request downloads", func(t *testing.T) {
		resp, body := get(t, imageURL(origin.URL+"/logo.png", ""))

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "none", resp.Header.Get(imageservice.CacheHeader))
		assert.Equal(t, imageBytes, body)
		assert.Equal(t, int32(1), originHits.Load())
	})

	t.Run("Second request hits memory", func(t *testing.T) {
		resp, _ := get(t, imageURL(origin.URL+"/logo.png", ""))

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "memory", resp.Header.Get(imageservice.CacheHeader))
		assert.Equal(t, int32(1), originHits.Load())
	})

	t.Run("HEAD reports cached images", func(t *testing.T) {
		resp, err := http.Head(imageURL(origin.URL+"/logo.png", ""))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Head(imageURL(origin.URL+"/never.png", ""))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Missing image is blacklisted", func(t *testing.T) {
		first, _ := get(t, imageURL(origin.URL+"/missing.png", ""))
		hits := originHits.Load()
		second, _ := get(t, imageURL(origin.URL+"/missing.png", ""))

		assert.Equal(t, http.StatusBadGateway, first.StatusCode)
		assert.Equal(t, http.StatusGone, second.StatusCode)
		assert.Equal(t, hits, originHits.Load(), "blacklisted urls never reach the origin")
		assert.Equal(t, 1, service.Coordinator().FailedCount())
	})

	t.Run("Metrics are served", func(t *testing.T) {
		resp, body := get(t, base+"/metrics")

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `imageflow_requests_total{outcome="memory_hit"} 1`)
		assert.Contains(t, string(body), "imageflow_http_responses_total")
	})
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := newMemoryConfig(t)
	cfg.Cache.Backend = "floppy"

	_, err := imageservice.New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestNew_PrefetchSubscriptionMissing(t *testing.T) {
	// Arrange
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	cfg := newMemoryConfig(t)
	cfg.ProjectID = "test-project"
	cfg.SerialDelivery = true
	cfg.Prefetch.Enabled = true
	cfg.Prefetch.Consumer.SubscriptionID = "no-such-sub"
	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	// Act
	svc, err := imageservice.New(context.Background(), cfg, logger, option.WithGRPCConn(conn))

	// Assert
	require.Error(t, err)
	assert.Nil(t, svc)
	assert.Contains(t, err.Error(), "no-such-sub")
	assert.Contains(t, logs.String(), "Failed to build image service.")
}
