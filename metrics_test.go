package torch_loader

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.addTensors(3)
	m.addBytes(4096)
	m.addPadding(16)
	m.addAliases(1)
	m.addTactic(MergeTacticConcatRows)
	m.addTactic(MergeTacticConcatRows)
	m.addTactic(MergeTacticUseFirst)
	m.observeLoad(0.5)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.TensorsLoaded))
	assert.Equal(t, float64(4096), testutil.ToFloat64(m.BytesRead))
	assert.Equal(t, float64(16), testutil.ToFloat64(m.PaddingBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AliasedTensors))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.MergeTactics.WithLabelValues("ConcatRows")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MergeTactics.WithLabelValues("UseFirst")))

	n, err := testutil.GatherAndCount(reg)
	if assert.NoError(t, err) {
		assert.Equal(t, 7, n)
	}
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.addTensors(1)
		m.addBytes(1)
		m.addPadding(1)
		m.addAliases(1)
		m.addTactic(MergeTacticIgnore)
		m.observeLoad(1)
	})
}
