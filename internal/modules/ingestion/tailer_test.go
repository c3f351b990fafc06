package ingestion

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/modules/signals"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      []signals.RawSignal
	processed map[int64]bool
	failReads bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{processed: make(map[int64]bool)}
}

func (s *fakeStore) add(payload string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.rows) + 1)
	s.rows = append(s.rows, signals.RawSignal{
		ID:          id,
		Environment: "staging",
		Payload:     payload,
		ReceivedAt:  time.Now().UTC(),
	})
	return id
}

func (s *fakeStore) GetUnprocessed(environment string, limit int) ([]signals.RawSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads {
		return nil, fmt.Errorf("store down")
	}
	var out []signals.RawSignal
	for _, r := range s.rows {
		if r.Environment == environment && !s.processed[r.ID] {
			out = append(out, r)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) GetRawAfter(watermark int64, environment string, limit int) ([]signals.RawSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads {
		return nil, fmt.Errorf("store down")
	}
	var out []signals.RawSignal
	for _, r := range s.rows {
		if r.ID > watermark && r.Environment == environment {
			out = append(out, r)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) MarkProcessed(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[id] = true
	return nil
}

func (s *fakeStore) MaxRawID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []interface{}
	fail     bool
}

func (p *fakePublisher) PublishJSON(topic string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("bus down")
	}
	p.payloads = append(p.payloads, v)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func testTailer(store Store, pub *fakePublisher) *Tailer {
	cfg := config.IngestionConfig{
		PollInterval:         5 * time.Millisecond,
		BackoffBase:          time.Millisecond,
		MaxReconnectAttempts: 3,
	}
	return NewTailer(store, NewNormalizer(zerolog.Nop()), pub, "staging", cfg, zerolog.Nop())
}

const validPayload = `{
	"signalID": "42",
	"strategy": "s",
	"timestamp": "2025-01-10T09:30:00Z",
	"signal": {"instrument": "SPY", "instrument_type": "STOCK", "price": 450}
}`

func TestCatchUpPublishesBacklogAndMarks(t *testing.T) {
	store := newFakeStore()
	id1 := store.add(validPayload)
	id2 := store.add(validPayload)
	pub := &fakePublisher{}
	tailer := testTailer(store, pub)

	require.NoError(t, tailer.catchUp(context.Background()))

	assert.Equal(t, 2, pub.count())
	assert.True(t, store.processed[id1])
	assert.True(t, store.processed[id2])
}

func TestCatchUpSkipsOtherEnvironments(t *testing.T) {
	store := newFakeStore()
	store.add(validPayload)
	store.mu.Lock()
	store.rows[0].Environment = "production"
	store.mu.Unlock()
	pub := &fakePublisher{}
	tailer := testTailer(store, pub)

	require.NoError(t, tailer.catchUp(context.Background()))
	assert.Zero(t, pub.count())
}

func TestTailPicksUpNewRows(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	tailer := testTailer(store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	// Give catch-up a moment, then append a row to tail.
	time.Sleep(20 * time.Millisecond)
	id := store.add(validPayload)

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	marked := store.processed[id]
	store.mu.Unlock()
	assert.True(t, marked)

	sig, ok := pub.payloads[0].(*domain.Signal)
	require.True(t, ok)
	assert.Equal(t, "s_20250110_093000_042", sig.SignalID)

	cancel()
	require.NoError(t, <-done)
}

// racingStore lands a fresh row at the instant catch-up sees its final
// empty page, before the tail loop runs its first query.
type racingStore struct {
	*fakeStore
	once sync.Once
}

func (s *racingStore) GetUnprocessed(environment string, limit int) ([]signals.RawSignal, error) {
	rows, err := s.fakeStore.GetUnprocessed(environment, limit)
	if err == nil && len(rows) == 0 {
		s.once.Do(func() { s.fakeStore.add(validPayload) })
	}
	return rows, err
}

func TestRowLandingDuringCatchUpIsTailed(t *testing.T) {
	store := &racingStore{fakeStore: newFakeStore()}
	backlog := store.add(validPayload)
	pub := &fakePublisher{}
	tailer := testTailer(store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	// One publish for the backlog row, one for the row that landed
	// while catch-up was finishing. The watermark is read before
	// catch-up, so the late row sits beyond it and the tail finds it.
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	assert.True(t, store.processed[backlog])
	assert.True(t, store.processed[backlog+1])
	store.mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestPublishFailureDoesNotMarkOrAdvance(t *testing.T) {
	store := newFakeStore()
	id := store.add(validPayload)
	pub := &fakePublisher{fail: true}
	tailer := testTailer(store, pub)

	err := tailer.catchUp(context.Background())
	require.Error(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.False(t, store.processed[id])
}

func TestPoisonRowIsMarkedAndSkipped(t *testing.T) {
	store := newFakeStore()
	id := store.add(`not json at all`)
	pub := &fakePublisher{}
	tailer := testTailer(store, pub)

	require.NoError(t, tailer.catchUp(context.Background()))

	assert.Zero(t, pub.count())
	assert.True(t, store.processed[id])
}

func TestTailGivesUpAfterBackoffAttempts(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	tailer := testTailer(store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	store.failReads = true
	store.mu.Unlock()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unreachable")
	case <-time.After(2 * time.Second):
		t.Fatal("tailer did not give up")
	}
}

func TestDuplicateDeliveryIsAcceptable(t *testing.T) {
	// A row published but never marked is published again; downstream
	// dedup by signal_id absorbs it. Both publishes carry the same id.
	store := newFakeStore()
	store.add(validPayload)
	pub := &fakePublisher{}
	tailer := testTailer(store, pub)

	require.NoError(t, tailer.catchUp(context.Background()))
	store.mu.Lock()
	store.processed = map[int64]bool{}
	store.mu.Unlock()
	require.NoError(t, tailer.catchUp(context.Background()))

	require.Equal(t, 2, pub.count())
	first := pub.payloads[0].(*domain.Signal)
	second := pub.payloads[1].(*domain.Signal)
	assert.Equal(t, first.SignalID, second.SignalID)
}
