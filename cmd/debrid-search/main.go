package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/sooti/stremio-addon-debrid-search/pkg/admission"
	"github.com/sooti/stremio-addon-debrid-search/pkg/aggregator"
	"github.com/sooti/stremio-addon-debrid-search/pkg/cinemata"
	"github.com/sooti/stremio-addon-debrid-search/pkg/httpclient"
	"github.com/sooti/stremio-addon-debrid-search/pkg/scraper"
	"github.com/sooti/stremio-addon-debrid-search/pkg/search"
	"github.com/sooti/stremio-addon-debrid-search/pkg/store"
	"github.com/sooti/stremio-addon-debrid-search/pkg/titles"
)

const version = "0.1.0"

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	// Create an "info" logger at first, replace later in case the logging
	// level is configured to be something else
	logger, err := newLogger("info", "console")
	if err != nil {
		panic(err)
	}

	// Parse and validate config

	logger.Info("Parsing config...")
	conf := parseConfig(logger)
	configJSON, err := json.Marshal(conf)
	if err != nil {
		logger.Fatal("Couldn't marshal config to JSON", zap.Error(err))
	}
	if conf.LogLevel != "info" || conf.LogEncoding != "console" {
		// Replace previously created logger
		if logger, err = newLogger(conf.LogLevel, conf.LogEncoding); err != nil {
			logger.Fatal("Couldn't create new logger", zap.Error(err))
		}
	}
	logger.Info("Parsed config", zap.ByteString("config", configJSON))

	conf.validate(logger)
	logger.Info("Validated config")

	// Shared HTTP client pool

	poolOpts := httpclient.DefaultPoolOpts
	poolOpts.SocksProxyAddr = conf.SocksProxyAddr
	pool := httpclient.NewPool(poolOpts, nil, logger)
	defer pool.Close()

	// Persistent result store. A failure here degrades to no-cache mode
	// instead of killing the process.

	var resultStore *store.ResultStore
	var coalescer *store.WriteCoalescer
	storagePath := conf.StoragePath
	if storagePath == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			logger.Fatal("Couldn't determine user cache directory via `os.UserCacheDir()`", zap.Error(err))
		}
		storagePath = userCacheDir + "/debrid-search"
	} else {
		storagePath = strings.TrimSuffix(storagePath, "/")
	}
	storeOpts := store.NewOpts(storagePath+"/badger", time.Duration(conf.CacheTTLdays)*24*time.Hour, 30*time.Minute)
	resultStore, err = store.NewResultStore(storeOpts, logger)
	if err != nil {
		logger.Error("Couldn't open result store, continuing without persistence", zap.Error(err))
		resultStore = nil
	} else {
		coalescer = store.NewWriteCoalescer(resultStore, logger)
		go resultStore.StartSweeper(mainCtx)
		go coalescer.Run(mainCtx)
		defer func() {
			if err := resultStore.Close(); err != nil {
				logger.Error("Couldn't close result store", zap.Error(err))
			}
		}()
	}

	// Clients

	metaClient := cinemata.NewClient(cinemata.NewClientOpts(conf.BaseURLcinemata, cinemata.DefaultClientOpts.CacheTTL), pool, logger)

	scrapers := createScrapers(conf, pool, logger)
	fanout := scraper.NewFanout(scrapers, logger)

	var shareCache search.ShareCache
	if conf.RedisAddr != "" {
		shareCache, err = search.NewRedisShareCache(mainCtx, conf.RedisAddr, conf.ShareTTL, logger)
		if err != nil {
			logger.Fatal("Couldn't create Redis share cache", zap.Error(err))
		}
	} else {
		shareCache = search.NewGoCacheShareCache(conf.ShareTTL, conf.ShareMaxEntries)
	}
	coordinatorOpts := search.NewCoordinatorOpts(conf.CoordinatorTimeout, conf.ShareTTL, conf.ShareMaxEntries, search.DefaultCoordinatorOpts.SweepInterval)
	coordinator := search.NewCoordinator(coordinatorOpts, shareCache, logger)
	go coordinator.StartSweeper(mainCtx)
	defer func() {
		if err := coordinator.Close(); err != nil {
			logger.Error("Couldn't close coordinator", zap.Error(err))
		}
	}()

	parser, err := titles.NewMemoParser(titles.NewParser(), titles.DefaultMemoSize)
	if err != nil {
		logger.Fatal("Couldn't create memoizing parser", zap.Error(err))
	}

	engineOpts := admission.NewOpts(conf.MaxPacksToInspect, conf.MaxPackRounds, conf.SkipWebRip, conf.SkipAACOpus, conf.PenalizeAACOpus, conf.DiversifyCodecs, conf.LiveChecksPerRequest)
	engine := admission.NewEngine(engineOpts, parser, logger)

	agg := aggregator.NewAggregator(metaClient, coordinator, fanout, engine, parser, resultStore, coalescer, quotaTemplate(conf), logger)

	// HTTP endpoints

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
	})
	app.Get("/health", createHealthHandler())
	app.Get("/status", createStatusHandler(conf, pool, time.Now()))
	app.Get("/:service/:apiToken/stream/:type/:id", createStreamHandler(conf, agg, pool, logger))

	logger.Info("Starting server", zap.String("version", version), zap.String("bindAddr", conf.BindAddr), zap.Int("port", conf.Port))
	go func() {
		if err := app.Listen(conf.BindAddr + ":" + strconv.Itoa(conf.Port)); err != nil {
			logger.Fatal("Couldn't start server", zap.Error(err))
		}
	}()

	// Graceful shutdown

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", zap.Stringer("signal", sig))

	// Stop the janitors and flush pending writes before the deferred closes run
	mainCancel()
	if coalescer != nil {
		coalescer.Flush()
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("Couldn't shut down server gracefully", zap.Error(err))
	}
	logger.Info("Finished shutdown")
}

func createScrapers(conf config, pool *httpclient.Pool, logger *zap.Logger) []scraper.Scraper {
	var scrapers []scraper.Scraper
	for _, name := range conf.Scrapers {
		switch name {
		case "torrentio":
			scrapers = append(scrapers, scraper.NewTorrentioClient(scraper.NewTorrentioOpts(conf.BaseURLtorrentio, ""), pool, logger))
		case "jackett":
			client, err := scraper.NewJackettClient(scraper.NewJackettOpts(conf.BaseURLjackett, conf.JackettAPIkey), pool, logger)
			if err != nil {
				logger.Fatal("Couldn't create Jackett client", zap.Error(err))
			}
			scrapers = append(scrapers, client)
		case "zilean":
			client, err := scraper.NewZileanClient(scraper.NewZileanOpts(conf.BaseURLzilean), pool, logger)
			if err != nil {
				logger.Fatal("Couldn't create Zilean client", zap.Error(err))
			}
			scrapers = append(scrapers, client)
		case "bitmagnet":
			client, err := scraper.NewBitmagnetClient(scraper.NewBitmagnetOpts(conf.BaseURLbitmagnet), pool, logger)
			if err != nil {
				logger.Fatal("Couldn't create bitmagnet client", zap.Error(err))
			}
			scrapers = append(scrapers, client)
		}
	}
	return scrapers
}

func quotaTemplate(conf config) aggregator.QuotaTemplate {
	perCategory := admission.DefaultPerCategory(conf.MaxResultsPerQuality)
	if conf.MaxResultsRemux > 0 {
		perCategory[admission.CategoryRemux] = conf.MaxResultsRemux
	}
	if conf.MaxResultsBluRay > 0 {
		perCategory[admission.CategoryBluRay] = conf.MaxResultsBluRay
	}
	if conf.MaxResultsWebDL > 0 {
		perCategory[admission.CategoryWebDL] = conf.MaxResultsWebDL
	}
	if conf.MaxResultsWebRip > 0 {
		perCategory[admission.CategoryWebRip] = conf.MaxResultsWebRip
	}
	if conf.MaxResultsAudio > 0 {
		perCategory[admission.CategoryAudioFocused] = conf.MaxResultsAudio
	}
	if conf.MaxResultsOther > 0 {
		perCategory[admission.CategoryOther] = conf.MaxResultsOther
	}
	return aggregator.QuotaTemplate{
		PerCategory: perCategory,
		PerCodecMax: map[string]int{
			admission.CodecH265: conf.MaxH265PerQuality,
			admission.CodecH264: conf.MaxH264PerQuality,
		},
		GlobalResolutionCap: conf.TargetCodecCount,
		SeparatePackQuota:   conf.SeparatePackQuota,
	}
}
