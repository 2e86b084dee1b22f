package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapvault/snapvault/internal/capture"
	"github.com/snapvault/snapvault/internal/config"
)

type stubRenderer struct{}

func (stubRenderer) Render(_ context.Context, _ string, _ capture.RenderOptions, _ time.Time) (capture.RenderResult, error) {
	return capture.RenderResult{Bytes: []byte("stub"), StatusCode: 200}, nil
}

func TestNewWithMemoryBackends(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, zap.NewNop(), WithRenderer(stubRenderer{}))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Coordinator)
	require.NotNil(t, a.Orchestrator)
	require.NotNil(t, a.Loop)
	require.NotNil(t, a.Server)
	require.NotNil(t, a.Server.Handler())
}

func TestRendererConfigCarriesAllRenderSettings(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Render.MaxParallel = 4
	cfg.Render.UserAgent = "snapvault-test"
	cfg.Render.NetworkIdleCapSecs = 7
	cfg.Render.HostQPS = 2.5

	rc := rendererConfig(cfg)
	require.Equal(t, 4, rc.MaxConcurrency)
	require.Equal(t, "snapvault-test", rc.UserAgent)
	require.Equal(t, cfg.RenderTimeout(), rc.HardTimeout)
	require.Equal(t, 7*time.Second, rc.NetworkIdleCap)
	require.InDelta(t, 2.5, rc.HostQPS, 0.0001)
}

func TestNewRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)

	bad := cfg
	bad.DB.Backend = "sqlite"
	_, err = New(context.Background(), bad, zap.NewNop(), WithRenderer(stubRenderer{}))
	require.Error(t, err)

	bad = cfg
	bad.Storage.Backend = "s3"
	_, err = New(context.Background(), bad, zap.NewNop(), WithRenderer(stubRenderer{}))
	require.Error(t, err)
}
