package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeBillingYML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "billing.yml"), []byte(body), 0o644))
	return dir
}

func TestBillingConfigWithoutFileUsesDefaults(t *testing.T) {
	holder, err := newBillingConfigHolder(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, DefaultBillingConfig(), holder.Get())
}

func TestBillingConfigPartialFileKeepsUnnamedDefaults(t *testing.T) {
	dir := writeBillingYML(t, "billing:\n  rates:\n    baseCall: 150\n")

	holder, err := newBillingConfigHolder(dir)
	require.NoError(t, err)

	cfg := holder.Get()
	defaults := DefaultBillingConfig()
	require.EqualValues(t, 150, cfg.Rates.BaseCall)
	require.Equal(t, defaults.Rates.Sequences, cfg.Rates.Sequences)
	require.Equal(t, defaults.Thresholds, cfg.Thresholds)
	require.True(t, cfg.Policy.ChargeOnAttempt,
		"a file that omits policy must not flip charge-on-attempt off")
}

func TestBillingConfigExplicitPolicyWins(t *testing.T) {
	dir := writeBillingYML(t, "billing:\n  policy:\n    chargeOnAttempt: false\n")

	holder, err := newBillingConfigHolder(dir)
	require.NoError(t, err)
	require.False(t, holder.Get().Policy.ChargeOnAttempt)
}

func TestBillingConfigRejectsBadWatermarks(t *testing.T) {
	dir := writeBillingYML(t, "billing:\n  thresholds:\n    warnCallCount: 20\n    upgradeCallCount: 10\n")

	_, err := newBillingConfigHolder(dir)
	require.Error(t, err)
}
