package di

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/conductor/internal/bus"
	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/database"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/modules/accounts"
	"github.com/aristath/conductor/internal/modules/cerebro"
	"github.com/aristath/conductor/internal/modules/margin"
	"github.com/aristath/conductor/internal/modules/orders"
	"github.com/aristath/conductor/internal/modules/portfolio"
	"github.com/aristath/conductor/internal/modules/positions"
	"github.com/aristath/conductor/internal/modules/precision"
	"github.com/aristath/conductor/internal/modules/signals"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/server"
)

// decisionRetention bounds how long terminal decisions stay queryable.
// They only need to outlive any possible redelivery window by a wide
// margin; the raw signal rows remain the permanent audit trail.
const decisionRetention = 90 * 24 * time.Hour

// Cerebro holds the wired components of the decision process: the engine,
// its stores and the standardized-signals consumer.
type Cerebro struct {
	Config *config.Config
	Log    zerolog.Logger

	SignalsDB   *database.DB
	TradingDB   *database.DB
	PortfolioDB *database.DB
	BusDB       *database.DB
	CacheDB     *database.DB

	Bus       *bus.Bus
	Signals   *signals.Repository
	Orders    *orders.Repository
	Accounts  *accounts.Repository
	Positions *positions.Repository
	Portfolio *portfolio.Repository
	Events    *events.Manager
	Engine    *cerebro.Engine
	Scheduler *scheduler.Scheduler
	Server    *server.Server
}

// BuildCerebro wires the decision process. On error everything already
// opened is closed before returning.
func BuildCerebro(cfg *config.Config, log zerolog.Logger) (*Cerebro, error) {
	var opened []*database.DB
	fail := func(err error) (*Cerebro, error) {
		closeAll(log, opened)
		return nil, err
	}

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

	signalRepo := signals.NewRepository(signalsDB.Conn(), log)
	orderRepo := orders.NewRepository(tradingDB.Conn(), log)
	accountRepo := accounts.NewRepository(tradingDB.Conn(), log)
	positionRepo := positions.NewRepository(tradingDB.Conn(), log)
	portfolioRepo := portfolio.NewRepository(portfolioDB.Conn(), log)
	precisionRepo := precision.NewRepository(cacheDB.Conn(), log)

	eventMgr := events.NewManager(log)

	previewClient := margin.NewPreviewClient(cfg.MarginPreviewURL, log)
	marginCalc := margin.NewCalculator(previewClient, cfg.MockBrokers, log)
	resolver := precision.NewResolver(precisionRepo, cfg.PrecisionCacheTTL, log)

	engineCfg := cerebro.DefaultConfig()
	engineCfg.MarginUtilLimit = cfg.MarginUtilLimit
	engine := cerebro.New(engineCfg, cerebro.Deps{
		Signals:   signalRepo,
		Orders:    orderRepo,
		Portfolio: portfolioRepo,
		Accounts:  accountRepo,
		Positions: positionRepo,
		Margin:    marginCalc,
		Precision: resolver,
		Bus:       messageBus,
		Events:    eventMgr,
	}, log)
	sched := scheduler.New(log)
	if err := sched.AddJob("@hourly", walCheckpointJob(opened, log)); err != nil {
		return fail(err)
	}
	prune := scheduler.JobFunc{JobName: "decision_prune", Fn: func() error {
		_, err := signalRepo.PruneDecisionsBefore(time.Now().Add(-decisionRetention))
		return err
	}}
	if err := sched.AddJob("@daily", prune); err != nil {
		return fail(err)
	}
	if err := sched.AddJob("@every 30s", busDepthJob(messageBus)); err != nil {
		return fail(err)
	}

	opsServer := server.New(server.Config{
		Log:         log,
		Role:        "cerebro",
		Environment: cfg.Environment,
		Port:        cfg.OpsPort,
		Databases:   opened,
		Bus:         messageBus,
		Events:      eventMgr,
		Decisions:   signalRepo,
		Orders:      orderRepo,
		Positions:   positionRepo,
		Accounts:    accountRepo,
	})

	return &Cerebro{
		Config:      cfg,
		Log:         log,
		SignalsDB:   signalsDB,
		TradingDB:   tradingDB,
		PortfolioDB: portfolioDB,
		BusDB:       busDB,
		CacheDB:     cacheDB,
		Bus:         messageBus,
		Signals:     signalRepo,
		Orders:      orderRepo,
		Accounts:    accountRepo,
		Positions:   positionRepo,
		Portfolio:   portfolioRepo,
		Events:      eventMgr,
		Engine:      engine,
		Scheduler:   sched,
		Server:      opsServer,
	}, nil
}

// Databases returns the open databases in open order.
func (c *Cerebro) Databases() []*database.DB {
	return []*database.DB{c.SignalsDB, c.TradingDB, c.PortfolioDB, c.BusDB, c.CacheDB}
}

// Close releases everything the container opened.
func (c *Cerebro) Close() {
	closeAll(c.Log, c.Databases())
}
