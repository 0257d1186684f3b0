package obs_test

import (
	"bytes"
	"testing"

	"github.com/credkeeper/core/internal/obs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretNeverRendersWrappedValue(t *testing.T) {
	s := obs.Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", s.GoString())
	assert.NotContains(t, s.String(), "hunter2")
}

func TestRedactScrubsKnownSecrets(t *testing.T) {
	out := obs.Redact("token=sk-abcdef123456 ok", "sk-abcdef123456")
	assert.Equal(t, "token=[REDACTED] ok", out)
}

func TestRedactSkipsShortValues(t *testing.T) {
	// Values of length <= 3 are left alone to avoid clobbering common text.
	out := obs.Redact("id=42 ok", "42")
	assert.Equal(t, "id=42 ok", out)
}

func TestWriterLoggerFieldOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.NewWriterLogger(&buf, true)

	logger.Info("retrieve", obs.Fields{"credential_id": "cred-1", "outcome": "hit"})
	logger.Debug("trace", obs.Fields{"n": 1})

	out := buf.String()
	assert.Contains(t, out, "INFO retrieve")
	assert.Contains(t, out, "credential_id=cred-1")
	assert.Contains(t, out, "DEBUG trace")
}

func TestWriterLoggerSuppressesDebugWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger := obs.NewWriterLogger(&buf, false)
	logger.Debug("trace", obs.Fields{})
	assert.Empty(t, buf.String())
}

func TestNopLoggerDoesNothing(t *testing.T) {
	var l obs.NopLogger
	l.Info("x", obs.Fields{})
	l.Error("x", obs.Fields{})
}

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := obs.NewMetrics(reg)
	require.NotNil(t, m)

	m.ObserveRotation("manual", "succeeded", 0)
	m.CacheHits.Inc()
	m.ValidatorPass.WithLabelValues("not_empty").Inc()

	count, err := testutilCount(reg)
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func testutilCount(reg *prometheus.Registry) (int, error) {
	families, err := reg.Gather()
	if err != nil {
		return 0, err
	}
	return len(families), nil
}

func TestNewNopMetricsIsUsable(t *testing.T) {
	m := obs.NewNopMetrics()
	require.NotNil(t, m)
	m.CacheMisses.Inc()
}
