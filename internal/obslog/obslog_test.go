package obslog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNop_NeverPanicsOnLogCalls(t *testing.T) {
	log := Nop()
	require.NotPanics(t, func() {
		log.Infow("test message", "key", "value")
		log.Errorw("test error", "err", "boom")
	})
}

func TestWith_ReturnsIndependentChildLogger(t *testing.T) {
	base := Nop()
	child := base.With("component", "block_indexer")
	require.NotNil(t, child)
	require.NotPanics(t, func() {
		child.Infow("tick")
	})
}

func TestWith_AcceptsMultipleKeyValuePairs(t *testing.T) {
	base := Nop()
	require.NotPanics(t, func() {
		base.With("component", "milestone_indexer", "worker_id", 3)
	})
}

func TestNew_DefaultsToInfoLevelOnUnsetEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	log := New()
	require.NotNil(t, log)
}

func TestNew_FallsBackToInfoOnInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "not-a-real-level")
	log := New()
	require.NotNil(t, log)
}
