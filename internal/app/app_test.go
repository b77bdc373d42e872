// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlops/governor/internal/app"
	"github.com/crawlops/governor/internal/backend"
	"github.com/crawlops/governor/internal/config"
	"github.com/crawlops/governor/internal/notify"
	"github.com/crawlops/governor/internal/state"
)

// baseConfig builds a config that needs no external services.
func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.State.Provider = "noop"
	cfg.Notify.Provider = "noop"
	return cfg
}

func TestNewAppWithNoopProviders(t *testing.T) {
	cfg := baseConfig(t)

	a, err := app.NewApp(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, a)
	defer a.Close()

	assert.NotNil(t, a.Logger())
	assert.IsType(t, backend.NopClient{}, a.Backend())
	assert.Nil(t, a.Sources())
	assert.IsType(t, state.NoOpSink{}, a.StateSink())
	assert.IsType(t, notify.NoOpPublisher{}, a.Publisher())
}

func TestNewAppBuildsHTTPBackend(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Backend.BaseURL = "http://crawl-engine.internal:9000"

	a, err := app.NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &backend.HTTPClient{}, a.Backend())
}

func TestNewAppLocalStateSink(t *testing.T) {
	cfg := baseConfig(t)
	cfg.State.Provider = "local"
	cfg.State.Dir = t.TempDir()

	a, err := app.NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &state.LocalSink{}, a.StateSink())
}

func TestNewAppRejectsUnknownProviders(t *testing.T) {
	cfg := baseConfig(t)
	cfg.State.Provider = "tape-drive"

	_, err := app.NewApp(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state provider")
}
