package runner

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-harness/aggregator"
	"github.com/ethereum-optimism/infra/op-harness/envelope"
	"github.com/ethereum-optimism/infra/op-harness/events"
	"github.com/ethereum-optimism/infra/op-harness/translate"
)

type envelopeLog struct {
	mu  sync.Mutex
	got []string
}

func (l *envelopeLog) Record(instanceID string, env envelope.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, instanceID+":"+env.Kind().String())
	return nil
}

// TestIngestorRejections covers closed intake and unknown instances
func TestIngestorRejections(t *testing.T) {
	pub := &publishRecorder{}
	ing := NewIngestor(discardLogger(), nil, nil, pub)

	assert.ErrorIs(t, ing.AcceptEnvelope("a", passedEnv("T1")), ErrDraining)

	ing.Open(Intake{Instances: []string{"a"}})
	assert.True(t, ing.Accepting())
	assert.ErrorIs(t, ing.AcceptEnvelope("b", passedEnv("T1")), ErrUnknownInstance)
	require.NoError(t, ing.AcceptEnvelope("a", passedEnv("T1")))

	ing.Close()
	assert.False(t, ing.Accepting())
	assert.ErrorIs(t, ing.AcceptEnvelope("a", passedEnv("T1")), ErrDraining)
	assert.Len(t, pub.received(), 1)
}

// TestIngestorTranslates stamps the instance on translated events
func TestIngestorTranslates(t *testing.T) {
	pub := &publishRecorder{}
	ing := NewIngestor(discardLogger(), nil, nil, pub)
	var touched []string
	rec := &envelopeLog{}
	ing.Open(Intake{
		Instances: []string{"a"},
		Touch:     func(id string) { touched = append(touched, id) },
		Recorder:  rec,
	})

	require.NoError(t, ing.AcceptEnvelope("a", failedEnv("Divides", "NullReferenceException", "boom")))
	require.NoError(t, ing.AcceptEnvelope("a", debugEnv()))

	got := pub.received()
	require.Len(t, got, 1)
	failed, ok := got[0].(events.MethodFailed)
	require.True(t, ok)
	assert.Equal(t, "a", failed.InstanceID)
	assert.Equal(t, "NullReferenceException", failed.Exception.Type)

	// ignored envelopes still count as traffic and are recorded
	assert.Equal(t, []string{"a", "a"}, touched)
	assert.Equal(t, []string{"a:TestResult", "a:Debug"}, rec.got)
}

// TestIngestorTranslationFault drops the envelope and publishes TranslationFaulted
func TestIngestorTranslationFault(t *testing.T) {
	pub := &publishRecorder{}
	ing := NewIngestor(discardLogger(), nil, nil, pub)
	ing.Open(Intake{Instances: []string{"a"}})

	require.NoError(t, ing.AcceptEnvelope("a", brokenPassedEnv()))

	got := pub.received()
	require.Len(t, got, 1)
	fault, ok := got[0].(events.TranslationFaulted)
	require.True(t, ok)
	assert.Equal(t, "a", fault.InstanceID)
	assert.Equal(t, translate.RuleMethodPassed, fault.Rule)
	assert.True(t, translate.IsTranslationFault(fault.Err))
}

// TestIngestorAdmitAny accepts any instance when configured
func TestIngestorAdmitAny(t *testing.T) {
	pub := &publishRecorder{}
	ing := NewIngestor(discardLogger(), nil, nil, pub)
	ing.Open(Intake{AdmitAny: true})
	require.NoError(t, ing.AcceptEnvelope("whoever", passedEnv("T1")))
	require.NoError(t, ing.AcceptEnvelope("someone-else", passedEnv("T2")))
	assert.Len(t, pub.received(), 2)
}

// TestIngestorClosedAggregator maps a closed bus to ErrDraining
func TestIngestorClosedAggregator(t *testing.T) {
	ing := NewIngestor(discardLogger(), nil, nil, &publishRecorder{err: aggregator.ErrClosed})
	ing.Open(Intake{Instances: []string{"a"}})
	assert.ErrorIs(t, ing.AcceptEnvelope("a", passedEnv("T1")), ErrDraining)

	other := errors.New("boom")
	ing = NewIngestor(discardLogger(), nil, nil, &publishRecorder{err: other})
	ing.Open(Intake{Instances: []string{"a"}})
	assert.ErrorIs(t, ing.AcceptEnvelope("a", passedEnv("T1")), other)
}

// TestIngestorPerInstanceOrder keeps the acceptance order of every instance
func TestIngestorPerInstanceOrder(t *testing.T) {
	agg := aggregator.New(aggregator.Config{Log: discardLogger()})
	var mu sync.Mutex
	seen := make(map[string][]string)
	agg.Subscribe(aggregator.On("order", func(ev events.MethodPassed) error {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.InstanceID] = append(seen[ev.InstanceID], ev.Method.Method)
		return nil
	}))

	ing := NewIngestor(discardLogger(), nil, nil, agg)
	ing.Open(Intake{Instances: []string{"a", "b", "c"}})

	const perInstance = 50
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perInstance; i++ {
				assert.NoError(t, ing.AcceptEnvelope(id, passedEnv(fmt.Sprintf("T%03d", i))))
			}
		}()
	}
	wg.Wait()
	ing.Close()

	for _, id := range []string{"a", "b", "c"} {
		require.Len(t, seen[id], perInstance)
		for i, name := range seen[id] {
			assert.Equal(t, fmt.Sprintf("T%03d", i), name)
		}
	}
}
