package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadcore/dhtnode/dht"
)

func TestSampleUpdatesGauges(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewRegistry()
	c.MustRegister(reg)

	c.Sample(1024, 3, map[dht.Family]int{dht.FamilyV4: 40, dht.FamilyV6: 12}, map[dht.Family]int{dht.FamilyV4: 2})

	families, err := reg.Gather()
	require.NoError(t, err)

	var storageBytes *dto.MetricFamily
	var routingNodes *dto.MetricFamily
	for _, f := range families {
		switch f.GetName() {
		case "dht_storage_bytes":
			storageBytes = f
		case "dht_routing_table_nodes":
			routingNodes = f
		}
	}
	require.NotNil(t, storageBytes)
	require.NotNil(t, routingNodes)

	assert.Equal(t, float64(1024), storageBytes.Metric[0].GetGauge().GetValue())

	var v4Found bool
	for _, m := range routingNodes.Metric {
		for _, lbl := range m.Label {
			if lbl.GetName() == "family" && lbl.GetValue() == dht.FamilyV4.String() {
				v4Found = true
				assert.Equal(t, float64(40), m.GetGauge().GetValue())
			}
		}
	}
	assert.True(t, v4Found)
}
