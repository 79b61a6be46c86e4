// linka is an account-linking and synchronization orchestrator: it drives
// the multi-step flow that connects external bank accounts through a data
// aggregator and keeps the linked accounts' balances and transactions fresh.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/adonese/linka/aggregator"
	"github.com/adonese/linka/gateway"
	"github.com/adonese/linka/linking"
	"github.com/adonese/linka/models"
	"github.com/adonese/linka/quota"
	"github.com/adonese/linka/registry"
	"github.com/adonese/linka/store"
	"github.com/adonese/linka/syncer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

var log = logrus.New()

func init() {
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetReportCaller(true)
}

// GetMainEngine wires the HTTP surface. Everything under /v1 requires a
// bearer token; /metrics is open for the scraper.
func GetMainEngine(auth *gateway.JWTAuth, link *linking.Service, reg *registry.Service, eng *syncer.Engine) *gin.Engine {
	route := gin.New()
	route.Use(gin.Recovery())
	route.Use(gateway.RequestID())
	route.Use(gateway.RequestLogger(log, gateway.LogSamplingConfig{}))
	route.Use(gateway.Instrumentation())
	route.HandleMethodNotAllowed = true

	route.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := route.Group("/v1")
	v1.Use(auth.AuthMiddleware())
	{
		v1.POST("/link", link.StartLinking)
		v1.POST("/link/:id/institution", link.ChooseInstitution)
		v1.POST("/link/:id/accounts", link.SubmitAccounts)
		v1.POST("/link/:id/cancel", link.CancelSession)
		v1.GET("/link/:id/progress", link.SessionProgress)

		v1.POST("/challenges/:id/response", link.ChallengeResponse)
		v1.POST("/challenges/:id/resend", link.ChallengeResend)

		v1.GET("/accounts", reg.ListAccounts)
		v1.PATCH("/accounts/:id", reg.CustomizeAccount)
		v1.DELETE("/accounts/:id", reg.UnlinkAccount)
		v1.POST("/accounts/:id/reauth", link.Reauth)

		v1.POST("/accounts/:id/sync", eng.TriggerSync)
		v1.GET("/accounts/:id/jobs", eng.ListJobs)
		v1.POST("/sync", eng.SyncAllAccounts)
	}
	return route
}

// newAggregatorClient applies the configured call budgets on top of the
// client defaults.
func newAggregatorClient(cfg models.LinkaConfig, logger *logrus.Logger) *aggregator.HTTPClient {
	c := aggregator.NewHTTPClient(cfg.AggregatorURL, cfg.AggregatorKey, logger)
	c.InteractiveTimeout = time.Duration(cfg.InteractiveTimeoutSec) * time.Second
	c.BulkTimeout = time.Duration(cfg.BulkTimeoutSec) * time.Second
	c.RetryBase = time.Duration(cfg.RetryBaseSec) * time.Second
	c.MaxAttempts = cfg.RetryAttempts
	return c
}

func main() {
	configPath := os.Getenv("LINKA_CONFIG")
	if configPath == "" {
		configPath = "linka.json"
	}
	cfg, err := models.ParseConfig(configPath)
	if err != nil {
		log.WithFields(logrus.Fields{"error": err.Error(), "path": configPath}).Fatal("unable to parse config")
	}
	if cfg.IsDebug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		log.WithFields(logrus.Fields{"error": err.Error()}).Fatal("unable to open database")
	}
	if err := models.Migrate(db); err != nil {
		log.WithFields(logrus.Fields{"error": err.Error()}).Fatal("unable to migrate database")
	}

	ledgerDB, err := store.Open(cfg.LedgerURL, cfg.LedgerPath)
	if err != nil {
		log.WithFields(logrus.Fields{"error": err.Error()}).Fatal("unable to open ledger database")
	}
	if err := store.Migrate(context.Background(), ledgerDB); err != nil {
		log.WithFields(logrus.Fields{"error": err.Error()}).Fatal("unable to migrate ledger")
	}
	ledger := store.NewLedger(ledgerDB)

	crypto, err := store.NewCrypto(cfg.DataKey)
	if err != nil {
		log.WithFields(logrus.Fields{"error": err.Error()}).Fatal("bad data key")
	}
	if crypto == nil {
		log.Warn("no data key configured, access credentials are stored in the clear")
	}

	var redisClient *redis.Client
	var locker syncer.Locker = syncer.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		locker = &syncer.RedisLocker{Client: redisClient}
	}

	agg := newAggregatorClient(cfg, log)

	auth := &gateway.JWTAuth{}
	auth.Init(cfg.JWTKey)

	gate := &quota.TierGate{Db: db, Logger: log, Config: cfg}
	reg := &registry.Service{Db: db, Logger: log, Ledger: ledger, Crypto: crypto}
	link := &linking.Service{
		Db:       db,
		Redis:    redisClient,
		Logger:   log,
		Config:   cfg,
		Agg:      agg,
		Quota:    gate,
		Registry: reg,
		Crypto:   crypto,
	}
	eng := &syncer.Engine{
		Db:     db,
		Ledger: ledger,
		Agg:    agg,
		Logger: log,
		Config: cfg,
		Locker: locker,
		Crypto: crypto,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.RunSweeper(ctx)
	go eng.RunScheduler(ctx)

	srv := &http.Server{
		Addr:    cfg.Port,
		Handler: GetMainEngine(auth, link, reg, eng),
	}
	log.WithFields(logrus.Fields{"port": cfg.Port}).Info("linka is up")
	if err := srv.ListenAndServe(); err != nil {
		log.WithFields(logrus.Fields{"error": err.Error()}).Fatal("server stopped")
	}
}
