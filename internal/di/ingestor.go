package di

import (
	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/database"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/modules/ingestion"
	"github.com/aristath/conductor/internal/modules/signals"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/server"
)

// Ingestor holds the wired components of the ingestion process: the raw
// signal store, the CDC tailer and the ops server that accepts external
// signal submissions.
type Ingestor struct {
	Config *config.Config
	Log    zerolog.Logger

	SignalsDB *database.DB
	BusDB     *database.DB

	Bus       *bus.Bus
	Signals   *signals.Repository
	Events    *events.Manager
	Tailer    *ingestion.Tailer
	Scheduler *scheduler.Scheduler
	Server    *server.Server
}

// BuildIngestor wires the ingestion process. On error everything already
// opened is closed before returning.
func BuildIngestor(cfg *config.Config, log zerolog.Logger) (*Ingestor, error) {
	signalsDB, err := openDatabase(cfg, "signals", database.ProfileLedger, log, signals.Schema)
	if err != nil {
		return nil, err
	}

	busDB, err := openDatabase(cfg, "bus", database.ProfileStandard, log, bus.Schema)
	if err != nil {
		signalsDB.Close()
		return nil, err
	}

	messageBus := bus.New(busDB.Conn(), log)
	messageBus.SetVisibilityTimeout(cfg.Bus.VisibilityTimeout)
	messageBus.SetPollInterval(cfg.Bus.PollInterval)

	signalRepo := signals.NewRepository(signalsDB.Conn(), log)
	eventMgr := events.NewManager(log)
	normalizer := ingestion.NewNormalizer(log)
	tailer := ingestion.NewTailer(signalRepo, normalizer, messageBus, cfg.Environment, cfg.Ingestion, log)
	tailer.SetEvents(eventMgr)

	dbs := []*database.DB{signalsDB, busDB}
	sched := scheduler.New(log)
	if err := sched.AddJob("@hourly", walCheckpointJob(dbs, log)); err != nil {
		closeAll(log, dbs)
		return nil, err
	}
	if err := sched.AddJob("@every 30s", busDepthJob(messageBus)); err != nil {
		closeAll(log, dbs)
		return nil, err
	}

	opsServer := server.New(server.Config{
		Log:         log,
		Role:        "ingestor",
		Environment: cfg.Environment,
		Port:        cfg.OpsPort,
		Databases:   dbs,
		Bus:         messageBus,
		Events:      eventMgr,
		Decisions:   signalRepo,
		Raw:         signalRepo,
	})

	return &Ingestor{
		Config:    cfg,
		Log:       log,
		SignalsDB: signalsDB,
		BusDB:     busDB,
		Bus:       messageBus,
		Signals:   signalRepo,
		Events:    eventMgr,
		Tailer:    tailer,
		Scheduler: sched,
		Server:    opsServer,
	}, nil
}

// Databases returns the open databases in open order.
func (c *Ingestor) Databases() []*database.DB {
	return []*database.DB{c.SignalsDB, c.BusDB}
}

// Close releases everything the container opened.
func (c *Ingestor) Close() {
	closeAll(c.Log, c.Databases())
}
