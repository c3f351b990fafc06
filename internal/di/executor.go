package di

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/brokers"
	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/database"
	"github.com/aristath/conductor/internal/domain"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/modules/accounts"
	"github.com/aristath/conductor/internal/modules/execution"
	"github.com/aristath/conductor/internal/modules/orders"
	"github.com/aristath/conductor/internal/modules/portfolio"
	"github.com/aristath/conductor/internal/modules/positions"
	"github.com/aristath/conductor/internal/modules/precision"
	"github.com/aristath/conductor/internal/modules/signals"
	"github.com/aristath/conductor/internal/reliability"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/server"
	"github.com/aristath/conductor/internal/services/accountpoller"
)

// Executor holds the wired components of the execution process: the
// broker-owning dispatcher, the account poller, scheduled maintenance and
// the backup service.
type Executor struct {
	Config *config.Config
	Log    zerolog.Logger

	SignalsDB   *database.DB
	TradingDB   *database.DB
	PortfolioDB *database.DB
	BusDB       *database.DB
	CacheDB     *database.DB

	Bus        *bus.Bus
	Orders     *orders.Repository
	Accounts   *accounts.Repository
	Positions  *positions.Manager
	Portfolio  *portfolio.Repository
	Events     *events.Manager
	Dispatcher *execution.Dispatcher
	Stream     *brokers.IBKRStream
	Poller     *accountpoller.Poller
	Backups    *reliability.BackupService
	Scheduler  *scheduler.Scheduler
	Server     *server.Server
}

// BuildExecutor wires the execution process. On error everything already
// opened is closed before returning.
func BuildExecutor(cfg *config.Config, log zerolog.Logger) (*Executor, error) {
	var opened []*database.DB
	fail := func(err error) (*Executor, error) {
		closeAll(log, opened)
		return nil, err
	}

	// The signal ledger is owned by the ingestor and cerebro, but it is
	// opened here too so the backup archive covers every ledger.
	signalsDB, err := openDatabase(cfg, "signals", database.ProfileLedger, log, signals.Schema)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, signalsDB)

	tradingDB, err := openDatabase(cfg, "trading", database.ProfileLedger, log,
		orders.Schema, accounts.Schema, positions.Schema)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, tradingDB)

	portfolioDB, err := openDatabase(cfg, "portfolio", database.ProfileStandard, log, portfolio.Schema)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, portfolioDB)

	busDB, err := openDatabase(cfg, "bus", database.ProfileStandard, log, bus.Schema)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, busDB)

	cacheDB, err := openDatabase(cfg, "cache", database.ProfileCache, log, precision.Schema)
	if err != nil {
		return fail(err)
	}
	opened = append(opened, cacheDB)

	messageBus := bus.New(busDB.Conn(), log)
	messageBus.SetVisibilityTimeout(cfg.Bus.VisibilityTimeout)
	messageBus.SetPollInterval(cfg.Bus.PollInterval)

	orderRepo := orders.NewRepository(tradingDB.Conn(), log)
	accountRepo := accounts.NewRepository(tradingDB.Conn(), log)
	positionRepo := positions.NewRepository(tradingDB.Conn(), log)
	positionMgr := positions.NewManager(positionRepo, log)
	portfolioRepo := portfolio.NewRepository(portfolioDB.Conn(), log)
	precisionRepo := precision.NewRepository(cacheDB.Conn(), log)
	precisionSvc := precision.NewService(precisionRepo, cfg.PrecisionCacheTTL, log)

	eventMgr := events.NewManager(log)

	factory := func(account *domain.Account) (domain.BrokerAdapter, error) {
		return brokers.New(account, cfg.Brokers, cfg.MockBrokers, log)
	}

	dispatchCfg := execution.DefaultConfig()
	dispatchCfg.DedupTTL = cfg.DedupTTL
	dispatcher := execution.NewDispatcher(dispatchCfg, orderRepo, accountRepo, positionMgr, messageBus, eventMgr, factory, log)
	dispatcher.SetPrecisionCache(precisionSvc)

	// Resting IBKR orders fill asynchronously on the gateway websocket;
	// the stream forwards those fills into the dispatcher. Mock runs have
	// no gateway to dial.
	var stream *brokers.IBKRStream
	if !cfg.MockBrokers {
		stream = brokers.NewIBKRStream(brokers.IBKRStreamURL(cfg.Brokers.IBKRGatewayURL), func(u brokers.OrderUpdate) {
			dispatcher.HandleOrderUpdate(u.BrokerOrderID, u.Status, u.FilledQty, u.AvgFillPrice)
		}, log)
	}

	poller := accountpoller.New(dispatcher, accountRepo, portfolioRepo, log)

	var backupSvc *reliability.BackupService
	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Client(cfg.Backup, log)
		if err != nil {
			return fail(err)
		}
		backupSvc = reliability.NewBackupService(store, opened, cfg.DataDir, cfg.Backup.Retain, eventMgr, log)
	}

	sched := scheduler.New(log)
	if err := registerExecutorJobs(cfg, sched, dispatcher, poller, backupSvc, precisionRepo, opened, log); err != nil {
		return fail(err)
	}
	if err := sched.AddJob("@every 30s", busDepthJob(messageBus)); err != nil {
		return fail(err)
	}

	opsCfg := server.Config{
		Log:         log,
		Role:        "executor",
		Environment: cfg.Environment,
		Port:        cfg.OpsPort,
		Databases:   opened,
		Bus:         messageBus,
		Events:      eventMgr,
		Orders:      orderRepo,
		Positions:   positionRepo,
		Accounts:    accountRepo,
		Commands:    messageBus,
	}
	if backupSvc != nil {
		opsCfg.Backup = backupSvc
	}
	opsServer := server.New(opsCfg)

	return &Executor{
		Config:      cfg,
		Log:         log,
		SignalsDB:   signalsDB,
		TradingDB:   tradingDB,
		PortfolioDB: portfolioDB,
		BusDB:       busDB,
		CacheDB:     cacheDB,
		Bus:         messageBus,
		Orders:      orderRepo,
		Accounts:    accountRepo,
		Positions:   positionMgr,
		Portfolio:   portfolioRepo,
		Events:      eventMgr,
		Dispatcher:  dispatcher,
		Stream:      stream,
		Poller:      poller,
		Backups:     backupSvc,
		Scheduler:   sched,
		Server:      opsServer,
	}, nil
}

// registerExecutorJobs wires the executor's recurring work: account
// polling with fund equity refresh, the nightly backup, dedup and
// precision-cache sweeps and WAL checkpoints.
func registerExecutorJobs(cfg *config.Config, sched *scheduler.Scheduler, dispatcher *execution.Dispatcher, poller *accountpoller.Poller, backupSvc *reliability.BackupService, precisionRepo *precision.Repository, dbs []*database.DB, log zerolog.Logger) error {
	pollSpec := "@every " + cfg.AccountPollInterval.String()
	if err := sched.AddJob(pollSpec, poller); err != nil {
		return err
	}

	if backupSvc != nil {
		if err := sched.AddJob("0 0 3 * * *", reliability.NewBackupJob(backupSvc)); err != nil {
			return err
		}
	}

	sweep := scheduler.JobFunc{JobName: "dedup_sweep", Fn: func() error {
		dispatcher.Seen().Sweep()
		return nil
	}}
	if err := sched.AddJob("@hourly", sweep); err != nil {
		return err
	}

	cachePrune := scheduler.JobFunc{JobName: "precision_cache_prune", Fn: func() error {
		_, err := precisionRepo.PruneBefore(time.Now().Add(-cfg.PrecisionCacheTTL))
		return err
	}}
	if err := sched.AddJob("@every 6h", cachePrune); err != nil {
		return err
	}

	return sched.AddJob("@hourly", walCheckpointJob(dbs, log))
}

// walCheckpointJob truncates the WAL of every open database so the
// long-running processes never let WAL files grow unbounded.
func walCheckpointJob(dbs []*database.DB, log zerolog.Logger) scheduler.Job {
	return scheduler.JobFunc{JobName: "wal_checkpoint", Fn: func() error {
		for _, db := range dbs {
			if err := db.WALCheckpoint("TRUNCATE"); err != nil {
				log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
			}
		}
		return nil
	}}
}

// Databases returns the open databases in open order.
func (c *Executor) Databases() []*database.DB {
	return []*database.DB{c.SignalsDB, c.TradingDB, c.PortfolioDB, c.BusDB, c.CacheDB}
}

// Close releases everything the container opened.
func (c *Executor) Close() {
	closeAll(c.Log, c.Databases())
}
