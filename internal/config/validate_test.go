package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsIntervalAboveTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = 10 * time.Minute
	cfg.ReconcileInterval = 10 * time.Minute
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsWarningWindowAboveTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = 20 * time.Minute
	cfg.ReconcileInterval = 5 * time.Minute
	cfg.TTLWarningWindow = 20 * time.Minute
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsWarningWindowBelowInterval(t *testing.T) {
	// Entries could expire between passes without ever being considered.
	cfg := DefaultConfig()
	cfg.ReconcileInterval = 15 * time.Minute
	cfg.TTLWarningWindow = 5 * time.Minute
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskMaxRetries = 0
	require.Error(t, cfg.Validate())
}
