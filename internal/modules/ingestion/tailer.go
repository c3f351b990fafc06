package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/modules/signals"
)

// batchSize bounds one read from the raw store.
const batchSize = 100

// Store is the slice of the signal repository the tailer reads and marks.
type Store interface {
	GetUnprocessed(environment string, limit int) ([]signals.RawSignal, error)
	GetRawAfter(watermark int64, environment string, limit int) ([]signals.RawSignal, error)
	MarkProcessed(id int64) error
	MaxRawID() (int64, error)
}

// Publisher is the bus surface the tailer publishes canonical signals on.
type Publisher interface {
	PublishJSON(topic string, v interface{}) error
}

// Tailer delivers every row appended to the raw signal store to the
// standardized-signals topic, at least once, in the canonical schema.
//
// It runs in two phases: a catch-up scan over rows not yet marked
// processed, then a change-stream tail driven by a rowid watermark. The
// watermark is the in-memory resume token; the source row's
// signal_processed flag is the durable one. Marking happens after the
// publish and is best-effort; a duplicate publish is fine because the
// decision engine deduplicates.
type Tailer struct {
	store       Store
	normalizer  *Normalizer
	bus         Publisher
	environment string
	cfg         config.IngestionConfig
	events      *events.Manager
	log         zerolog.Logger
}

// NewTailer creates a tailer for one environment.
func NewTailer(store Store, normalizer *Normalizer, publisher Publisher, environment string, cfg config.IngestionConfig, log zerolog.Logger) *Tailer {
	return &Tailer{
		store:       store,
		normalizer:  normalizer,
		bus:         publisher,
		environment: environment,
		cfg:         cfg,
		log:         log.With().Str("module", "ingestion").Str("environment", environment).Logger(),
	}
}

// SetEvents wires the lifecycle event feed. Must be called before Run.
func (t *Tailer) SetEvents(mgr *events.Manager) {
	t.events = mgr
}

// Run executes catch-up and then tails until ctx is cancelled. A non-nil
// return means the store stayed unreachable through every backoff attempt
// and the process needs a restart.
func (t *Tailer) Run(ctx context.Context) error {
	// The watermark is taken before catch-up so a row appended while
	// catch-up runs is still beyond it and gets picked up by the tail.
	// A row both caught up and tailed publishes twice, which downstream
	// dedups.
	watermark, err := t.store.MaxRawID()
	if err != nil {
		return fmt.Errorf("reading initial watermark: %w", err)
	}

	if err := t.catchUp(ctx); err != nil {
		return err
	}
	t.log.Info().Int64("watermark", watermark).Msg("Catch-up complete, tailing raw store")

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("Tailer stopped")
			return nil
		case <-ticker.C:
			advanced, err := t.drain(ctx, &watermark)
			if err != nil {
				failures++
				if failures >= t.cfg.MaxReconnectAttempts {
					return fmt.Errorf("raw store unreachable after %d attempts: %w", failures, err)
				}
				wait := t.cfg.BackoffBase << (failures - 1)
				t.log.Warn().
					Err(err).
					Int("attempt", failures).
					Dur("backoff", wait).
					Msg("Tail read failed, backing off")
				if !sleepCtx(ctx, wait) {
					return nil
				}
				continue
			}
			failures = 0
			_ = advanced
		}
	}
}

// catchUp publishes every unprocessed row for this environment, oldest
// first, before the tail starts.
func (t *Tailer) catchUp(ctx context.Context) error {
	total := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		rows, err := t.store.GetUnprocessed(t.environment, batchSize)
		if err != nil {
			return fmt.Errorf("catch-up query: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := t.deliver(row); err != nil {
				return err
			}
			total++
		}
	}
	if total > 0 {
		t.log.Info().Int("signals", total).Msg("Catch-up published backlog")
	}
	return nil
}

// drain publishes every row beyond the watermark, advancing it per row so a
// mid-batch failure resumes exactly where it stopped.
func (t *Tailer) drain(ctx context.Context, watermark *int64) (int, error) {
	advanced := 0
	for {
		if ctx.Err() != nil {
			return advanced, nil
		}
		rows, err := t.store.GetRawAfter(*watermark, t.environment, batchSize)
		if err != nil {
			return advanced, err
		}
		if len(rows) == 0 {
			return advanced, nil
		}
		for _, row := range rows {
			if err := t.deliver(row); err != nil {
				return advanced, err
			}
			*watermark = row.ID
			advanced++
		}
	}
}

// deliver normalizes one row, publishes it, and marks the source row.
// Normalization failures are poison rows: they are marked processed and
// skipped, because replaying them can never succeed. Publish failures
// propagate so the row is retried.
func (t *Tailer) deliver(row signals.RawSignal) error {
	sig, err := t.normalizer.Normalize(row)
	if err != nil {
		t.log.Error().
			Err(err).
			Int64("raw_id", row.ID).
			Str("source", row.Source).
			Msg("Unnormalizable raw signal skipped")
		t.markProcessed(row.ID)
		return nil
	}

	if err := t.bus.PublishJSON(bus.TopicStandardizedSignals, sig); err != nil {
		return fmt.Errorf("publishing signal %s: %w", sig.SignalID, err)
	}

	// After the publish, best-effort. A failed mark means a duplicate
	// publish on the next pass, which downstream dedups.
	t.markProcessed(row.ID)

	metrics.IncSignal("ingested")
	if t.events != nil {
		t.events.Emit("ingestion", &events.SignalReceivedData{
			SignalID:   sig.SignalID,
			Strategy:   sig.StrategyID,
			Instrument: sig.Instrument,
			Direction:  string(sig.Direction),
		})
	}
	t.log.Info().
		Str("signal_id", sig.SignalID).
		Str("strategy_id", sig.StrategyID).
		Str("instrument", sig.Instrument).
		Msg("Signal ingested")
	return nil
}

func (t *Tailer) markProcessed(id int64) {
	if err := t.store.MarkProcessed(id); err != nil {
		t.log.Warn().Err(err).Int64("raw_id", id).Msg("Mark processed failed")
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
