package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ridcot/internal/bus"
	"ridcot/internal/cot"
	"ridcot/internal/gps"
	"ridcot/internal/pipeline"
	"ridcot/internal/tak"
)

const shutdownTimeout = 10 * time.Second

// Application wires broker ingest, the decode pipeline, and TAK egress
// together and owns their lifecycle.
type Application struct {
	config Config
	logger *logrus.Logger

	broker   *bus.Client
	pipeline *pipeline.Pipeline
	writer   *tak.Writer
	metrics  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	// The egress context outlives ctx so the writer can flush the drained
	// queue during shutdown; it is only cancelled when the drain times out.
	egressCtx    context.Context
	egressCancel context.CancelFunc
	wg           sync.WaitGroup
}

// NewApplication creates a new application instance
func NewApplication(config Config) *Application {
	ctx, cancel := context.WithCancel(context.Background())
	egressCtx, egressCancel := context.WithCancel(context.Background())

	logger := logrus.New()
	if config.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	return &Application{
		config:       config,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		egressCtx:    egressCtx,
		egressCancel: egressCancel,
	}
}

// Start runs the gateway until a shutdown signal arrives.
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	}).Info("Starting Remote ID to CoT gateway")

	if err := app.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := app.initializeComponents(); err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.run(); err != nil {
		app.logger.WithError(err).Error("Application error")
		return err
	}

	<-sigChan
	app.logger.Info("Received shutdown signal")
	app.shutdown()

	return nil
}

// initializeComponents builds every component from the validated config.
func (app *Application) initializeComponents() error {
	var fixes pipeline.FixSource
	if app.config.GPSCommand != "" {
		fixes = gps.NewSource(app.config.GPSCommand, time.Duration(app.config.GPSTimeoutSeconds)*time.Second, app.logger)
	}

	app.pipeline = pipeline.New(pipeline.Config{
		Cot: cot.Config{
			StaleSeconds:       app.config.StaleSeconds,
			Access:             app.config.Access,
			HostID:             app.config.HostID,
			UASType:            app.config.UASType,
			OperatorType:       app.config.OperatorType,
			SensorType:         app.config.SensorType,
			DefaultSensorID:    app.config.DefaultSensorID,
			DefaultPayloadType: app.config.DefaultPayloadType,
		},
		QueueSize: app.config.QueueSize,
	}, fixes, app.logger)

	var takTLS *tls.Config
	if app.config.TAKCertFile != "" || app.config.TAKCAFile != "" {
		var err error
		takTLS, err = bus.NewTLSConfig(app.config.TAKCertFile, app.config.TAKKeyFile, app.config.TAKCAFile)
		if err != nil {
			return fmt.Errorf("TAK TLS configuration: %w", err)
		}
	}
	writer, err := tak.NewWriter(app.config.TAKDestination, takTLS, app.logger)
	if err != nil {
		return err
	}
	app.writer = writer

	app.broker = bus.NewClient(bus.Config{
		BrokerURL: app.config.BrokerURL,
		Topic:     app.config.Topic,
		ClientID:  app.config.ClientID,
		Username:  app.config.Username,
		Password:  app.config.Password,
		CertFile:  app.config.CertFile,
		KeyFile:   app.config.KeyFile,
		CAFile:    app.config.CAFile,
	}, app.logger)

	if app.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		app.metrics = &http.Server{Addr: app.config.MetricsAddr, Handler: mux}
	}

	return nil
}

// run starts the worker goroutines and connects to the broker.
func (app *Application) run() error {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.pipeline.Run(app.ctx)
	}()

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.writer.Run(app.egressCtx, app.pipeline.Events()); err != nil && err != context.Canceled {
			app.logger.WithError(err).Error("TAK writer failed")
		}
	}()

	if app.metrics != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.logger.WithField("addr", app.metrics.Addr).Info("Metrics listener started")
			if err := app.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.WithError(err).Error("Metrics listener failed")
			}
		}()
	}

	in := app.pipeline.In()
	handler := func(topic string, payload []byte) {
		select {
		case in <- pipeline.InboundMessage{Topic: topic, Payload: payload}:
		case <-app.ctx.Done():
		}
	}
	if err := app.broker.Start(app.ctx, handler); err != nil {
		// The workers above are already running; tear them down so a
		// failed connect does not leak goroutines.
		app.shutdown()
		return err
	}

	app.logger.Info("All components started successfully")
	return nil
}

// shutdown stops ingest, drains the pipeline, and flushes the egress queue.
// If the drain does not finish within the timeout, the pipeline is aborted
// and the writer cancelled.
func (app *Application) shutdown() {
	app.logger.Info("Shutting down application")

	app.broker.Stop()
	app.cancel()

	if app.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := app.metrics.Shutdown(shutdownCtx); err != nil {
			app.logger.WithError(err).Warn("Metrics listener shutdown failed")
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		app.logger.Info("All goroutines finished")
	case <-time.After(shutdownTimeout):
		app.logger.Warn("Shutdown timeout, abandoning egress queue")
		app.pipeline.Abort()
		app.egressCancel()
		<-done
	}

	app.egressCancel()
	app.logger.Info("Shutdown completed")
}
