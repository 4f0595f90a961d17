//go:build integration

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docvec/apps/backend/internal/app"
	"docvec/apps/backend/internal/config"
	"docvec/apps/backend/internal/testutils"
)

func TestSmoke_Startup(t *testing.T) {
	// 1. Start Infrastructure
	suite := testutils.NewIntegrationSuite(t)
	suite.Setup()
	defer suite.Teardown()

	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Input))
		for i := range out {
			out[i] = []float32{1, 0, 0, 0}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": out})
	}))
	defer ollama.Close()

	// 2. Configure App to use Infrastructure
	cfg := suite.GetAppConfig()
	cfg.EnableAPI = true
	cfg.ServerPort = 18081
	cfg.EmbeddingProvider = config.ProviderOllama
	cfg.OllamaBaseURL = ollama.URL

	_, b, _, _ := runtime.Caller(0)
	cfg.MigrationPath = fmt.Sprintf("file://%s/migrations", filepath.Dir(b))

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	// 3. Run App in Background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := app.Bootstrap(ctx, cfg)
	require.NoError(t, err)
	defer deps.Close()

	a, err := app.New(cfg, deps.DB, deps.Embedder, deps.Local, deps.Remote, deps.NSQProducer, slog.Default())
	require.NoError(t, err)

	go func() {
		if err := a.Run(ctx); err != nil {
			t.Logf("app run exited: %v", err)
		}
	}()

	// 4. Wait for Health Check
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", cfg.ServerPort))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 500*time.Millisecond)
}
