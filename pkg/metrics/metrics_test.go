package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.BatchRuns.WithLabelValues("daily-claims").Inc()
	m.BatchEntities.WithLabelValues("daily-claims", Outcome(errors.New("x"))).Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchRuns.WithLabelValues("daily-claims")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BatchEntities.WithLabelValues("daily-claims", "failure")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", Outcome(nil))
	assert.Equal(t, "failure", Outcome(errors.New("nope")))
}
