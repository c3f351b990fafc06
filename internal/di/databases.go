// Package di wires each pipeline process: databases, repositories,
// services and the ops server, with teardown in reverse order. Every
// process opens only the databases its role touches and initializes only
// the schemas it queries.
package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/database"
	"github.com/aristath/conductor/internal/metrics"
	"github.com/aristath/conductor/internal/scheduler"
)

// openDatabase opens one named database under the data directory and
// applies the given module schemas.
func openDatabase(cfg *config.Config, name string, profile database.DatabaseProfile, log zerolog.Logger, schemas ...string) (*database.DB, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(name),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", name, err)
	}

	if err := db.InitSchemas(schemas...); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("database", name).
		Str("profile", string(profile)).
		Str("path", db.Path()).
		Msg("Database ready")
	return db, nil
}

// busDepthJob refreshes the per-topic backlog gauges from the bus tables.
// Each process reports through its own registry, so the gauges reflect
// what that process can see.
func busDepthJob(messageBus *bus.Bus) scheduler.Job {
	return scheduler.JobFunc{JobName: "bus_depth", Fn: func() error {
		stats, err := messageBus.Stats()
		if err != nil {
			return err
		}
		perTopic := make(map[string]int)
		for _, s := range stats {
			perTopic[s.Topic] += s.Depth + s.InFlight
		}
		for topic, depth := range perTopic {
			metrics.SetBusDepth(topic, depth)
		}
		return nil
	}}
}

// closeAll closes databases in reverse open order, logging failures
// instead of propagating them. Used by container teardown and by build
// error cascades.
func closeAll(log zerolog.Logger, dbs []*database.DB) {
	for i := len(dbs) - 1; i >= 0; i-- {
		if dbs[i] == nil {
			continue
		}
		if err := dbs[i].Close(); err != nil {
			log.Warn().Err(err).Str("database", dbs[i].Name()).Msg("Database close failed")
		}
	}
}
