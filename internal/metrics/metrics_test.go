package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	ObserveRun("completed")
	ObserveDispatch(3, 42)
	SetWorstLag(1500 * time.Millisecond)
	MarkSuccess(time.Now())
	SetRemainingBudget(78)
	ObserveBudgetFallback()
	ObservePaywallDetection("example.com")
	ObserveRateLimitWait("example.com", 200*time.Millisecond)
	ObserveProxyRotation()
	ObserveRobotsFallback()
}

func TestWriteTextfile(t *testing.T) {
	Init()
	ObserveRun("completed")

	path := filepath.Join(t.TempDir(), "sub", "governor.prom")
	require.NoError(t, WriteTextfile(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.Contains(text, "governor_runs_total"))
	require.True(t, strings.Contains(text, "# TYPE governor_runs_total counter"))

	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file should be renamed away")
}
