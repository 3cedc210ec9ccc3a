package simulator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/zoff-tech/go-devicesim/pkg/journal"
	"github.com/zoff-tech/go-devicesim/pkg/message"
)

func TestRun_RecordsMessageCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	defer otel.SetMeterProvider(original)

	client := newFakeClient()
	s, _ := newTestSimulator(client, journal.Noop{}, testSettings(time.Hour, true))
	client.deliver(&message.Inbound{ID: "c2d-1", LockToken: "lock-1", Body: []byte("ping")})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return len(client.completedTokens()) == 1 }, time.Second, 5*time.Millisecond)
		cancel()
	}()
	require.NoError(t, s.Run(ctx))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, m.Name)
			for _, dp := range sum.DataPoints {
				got[m.Name] += dp.Value
			}
		}
	}

	assert.Equal(t, map[string]int64{
		"devicesim.messages.sent":      1,
		"devicesim.messages.received":  1,
		"devicesim.messages.completed": 1,
	}, got)
}
