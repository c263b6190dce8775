package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bfxflow/config"
	"bfxflow/internal/execution"
	"bfxflow/internal/harvester"
	"bfxflow/internal/metrics"
	"bfxflow/internal/symbols"
	"bfxflow/logger"
	"bfxflow/processor"
	"bfxflow/reader/bitfinex"
	"bfxflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV", "LOG_LEVEL").WithFields(logger.Fields{
		"service":     cfg.Service.Name,
		"version":     cfg.Service.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting bfxflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cfg.CloudWatch.Region,
			Namespace:       cfg.CloudWatch.Namespace,
			Dashboard:       cfg.CloudWatch.Dashboard,
			AccessKeyID:     cfg.CloudWatch.AccessKeyID,
			SecretAccessKey: cfg.CloudWatch.SecretAccessKey,
		})
	}
	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.CloudWatch.Enabled {
		logger.StartReport(ctx, log, cfg.Service.ReportInterval)
	}

	streams, err := writer.NewRedisStreams(cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Error("failed to create redis client")
		os.Exit(1)
	}
	busWriter := writer.NewRedisWriter(cfg.Redis, streams)

	publishing, err := processor.NewPublishingService(processor.ServiceOptionsFromConfig(cfg), busWriter)
	if err != nil {
		log.WithError(err).Error("failed to create publishing service")
		os.Exit(1)
	}

	mapper := symbols.NewMapper(cfg.Bitfinex.SupportedCurrencySymbols, cfg.Bitfinex.UseSupportedCurrencySymbolsAsFilter)
	var symbolSource symbols.Source
	if !mapper.Filter() {
		symbolSource = bitfinex.NewSymbolsClient(cfg.Bitfinex.EndpointURL, cfg.Bitfinex.RequestTimeout)
	}

	var books *harvester.OrderBooksHarvester
	if cfg.Publisher.OrderBooks.Enabled || cfg.Publisher.TickPrices.Enabled {
		books, err = harvester.New(harvester.OptionsFromConfig(cfg),
			bitfinex.NewWSMessenger(cfg.Bitfinex.WebSocketEndpointURL),
			mapper, symbolSource, publishing.OrderBooks(), publishing.TickPrices())
		if err != nil {
			log.WithError(err).Error("failed to create order book harvester")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("order books and tick prices disabled; skipping harvester")
	}

	var executions *execution.Supervisor
	if cfg.Publisher.Executions.Enabled && len(cfg.Bitfinex.Credentials) > 0 {
		executions = execution.NewSupervisor(cfg.Bitfinex.Credentials, execution.OptionsFromConfig(cfg),
			func() bitfinex.Messenger { return bitfinex.NewWSMessenger(cfg.Bitfinex.WebSocketEndpointURL) },
			mapper, publishing.Executions())
	} else {
		log.WithComponent("main").Info("no credentials or executions disabled; skipping execution harvesters")
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Address)
		metricsServer.AddCheck("redis", func() error {
			pingCtx, done := context.WithTimeout(ctx, 2*time.Second)
			defer done()
			return busWriter.Healthy(pingCtx)
		})
		if books != nil {
			metricsServer.AddCheck("orderbooks", books.Healthy)
		}
		if executions != nil {
			metricsServer.AddCheck("executions", func() error {
				var failed []string
				for _, name := range executions.Names() {
					if h, ok := executions.Harvester(name); ok && h.Err() != nil {
						failed = append(failed, name)
					}
				}
				if len(failed) > 0 {
					return fmt.Errorf("stopped credentials: %s", strings.Join(failed, ","))
				}
				return nil
			})
		}
		if err := metricsServer.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start metrics server")
			os.Exit(1)
		}
		metrics.StartQueueSizeMetrics(ctx, 10*time.Second, publishing.Sizers()...)
	}

	if err := busWriter.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start redis writer")
		os.Exit(1)
	}
	if err := publishing.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start publishing service")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if books != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := books.Start(ctx); err != nil {
				log.WithError(err).Warn("order book harvester failed to start")
			}
		}()
	}

	if executions != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := executions.StartAll(ctx); err != nil {
				log.WithError(err).Warn("some execution harvesters failed to start")
			}
		}()
	}

	wg.Wait()
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		defer close(done)

		if books != nil {
			log.Info("stopping order book harvester")
			books.Stop()
		}
		if executions != nil {
			log.Info("stopping execution harvesters")
			executions.StopAll()
		}

		log.Info("stopping publishing service")
		publishing.Stop()

		log.Info("stopping redis writer")
		busWriter.Stop()

		if metricsServer != nil {
			log.Info("stopping metrics server")
			metricsServer.Stop()
		}
		cancel()
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(cfg.Service.ShutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bfxflow stopped")
}
