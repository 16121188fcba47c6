package expression

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/varsync/data"
	"github.com/timzifer/varsync/provider"
)

type recordingSink struct {
	mu       sync.Mutex
	packets  []data.Packet
	progress []float64
	failures int
	done     chan struct{}
	expect   int
}

func newRecordingSink(expect int) *recordingSink {
	return &recordingSink{done: make(chan struct{}), expect: expect}
}

func (s *recordingSink) DataProvided(_ uuid.UUID, series *data.Series, acquired data.Range) {
	s.mu.Lock()
	s.packets = append(s.packets, data.Packet{Range: acquired, Series: series})
	if len(s.packets) == s.expect {
		close(s.done)
	}
	s.mu.Unlock()
}

func (s *recordingSink) Progress(_ uuid.UUID, percent float64) {
	s.mu.Lock()
	s.progress = append(s.progress, percent)
	s.mu.Unlock()
}

func (s *recordingSink) Failed(_ uuid.UUID) {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func buildProvider(t *testing.T, sink provider.Sink, settings provider.Settings) provider.DataProvider {
	t.Helper()
	factory := NewFactory()
	prov, err := factory(settings, provider.Dependencies{Callbacks: sink, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return prov
}

func TestGenerateRampValues(t *testing.T) {
	sink := newRecordingSink(1)
	prov := buildProvider(t, sink, provider.Settings{"formula": "t"})

	prov.RequestDataLoading(uuid.New(), data.ProviderParameters{
		Ranges: []data.Range{{Start: 0, End: 10}},
	})

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for data")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.packets, 1)
	series := sink.packets[0].Series
	require.Equal(t, 11, series.Len())
	for i := 0; i < series.Len(); i++ {
		require.Equal(t, float64(i), series.Times[i])
		require.Equal(t, float64(i), series.Sample(i)[0])
	}
}

func TestMultipleSubRangesDeliverInOrder(t *testing.T) {
	sink := newRecordingSink(2)
	prov := buildProvider(t, sink, provider.Settings{"formula": "t * 2"})

	prov.RequestDataLoading(uuid.New(), data.ProviderParameters{
		Ranges: []data.Range{{Start: 0, End: 5}, {Start: 20, End: 25}},
	})

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for data")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.packets, 2)
	require.Equal(t, 0.0, sink.packets[0].Range.Start)
	require.Equal(t, 20.0, sink.packets[1].Range.Start)
	require.Equal(t, 40.0, sink.packets[1].Series.Sample(0)[0])
}

func TestMultiComponentFormulas(t *testing.T) {
	sink := newRecordingSink(1)
	prov := buildProvider(t, sink, provider.Settings{
		"formulas": []interface{}{"t", "t * 10"},
	})

	prov.RequestDataLoading(uuid.New(), data.ProviderParameters{
		Ranges: []data.Range{{Start: 1, End: 3}},
	})

	select {
	case <-sink.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for data")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	series := sink.packets[0].Series
	require.Equal(t, 2, series.Components)
	require.Equal(t, []float64{2, 20}, series.Sample(1))
}

func TestAbortStopsCallbacks(t *testing.T) {
	sink := newRecordingSink(1)
	prov := buildProvider(t, sink, provider.Settings{
		"formula": "t",
		"delay":   0.2,
	})

	acqID := uuid.New()
	prov.RequestDataLoading(acqID, data.ProviderParameters{
		Ranges: []data.Range{{Start: 0, End: 10}},
	})
	prov.RequestDataAborting(acqID)

	time.Sleep(500 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Empty(t, sink.packets)
	require.Zero(t, sink.failures)
}

func TestFactoryRejectsBadSettings(t *testing.T) {
	factory := NewFactory()
	deps := provider.Dependencies{Callbacks: newRecordingSink(0), Logger: zerolog.Nop()}

	_, err := factory(provider.Settings{}, deps)
	require.Error(t, err)

	_, err = factory(provider.Settings{"formula": "t +"}, deps)
	require.Error(t, err)

	_, err = factory(provider.Settings{"formula": "t", "resolution": -1}, deps)
	require.Error(t, err)
}
