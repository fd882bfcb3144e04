package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"huerto/go-mqtt-ingest/internal/api"
	"huerto/go-mqtt-ingest/internal/command"
	"huerto/go-mqtt-ingest/internal/config"
	"huerto/go-mqtt-ingest/internal/ingest"
	"huerto/go-mqtt-ingest/internal/model"
	"huerto/go-mqtt-ingest/internal/mqttbroker"
	"huerto/go-mqtt-ingest/internal/shell"
	"huerto/go-mqtt-ingest/internal/stats"
	"huerto/go-mqtt-ingest/internal/store"
	"huerto/go-mqtt-ingest/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// errQuit ends the run group when the operator quits the shell.
var errQuit = errors.New("operator quit")

// App wires together the ingestion services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	consoleIn  io.Reader
	consoleOut io.Writer

	stats  *stats.Stats
	store  *store.Store
	broker *mqttbroker.Broker
	conn   *transport.Conn
	mdns   *zeroconf.Server

	httpAddr chan string
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:        cfg,
		logger:     logger,
		consoleIn:  os.Stdin,
		consoleOut: os.Stdout,
		stats:      stats.New(),
		httpAddr:   make(chan string, 1),
	}
}

// Run starts all configured services and blocks until the context is
// cancelled, the operator quits, or a service fails. Failing to open the
// database or to make the first broker connection aborts startup.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.Database.Path, a.cfg.Database.PoolSize)
	if err != nil {
		return err
	}
	a.store = db
	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	var brokerErrCh <-chan error
	if a.cfg.EmbeddedBrokerBind != "" {
		a.broker = mqttbroker.New(a.logger.With("component", "broker"),
			mqttbroker.WithCredentials(a.cfg.MQTT.Username, a.cfg.MQTT.Password))
		brokerErrCh, err = a.broker.Start(a.cfg.EmbeddedBrokerBind)
		if err != nil {
			return err
		}
		defer func() {
			_ = a.broker.Stop()
			a.logger.Info("mqtt broker stopped")
		}()
	}

	a.conn = transport.New(a.transportOptions(), a.logger.With("component", "mqtt"))
	if err := a.conn.Connect(ctx); err != nil {
		return err
	}
	defer a.conn.Close()

	router := a.newRouter()
	dispatcher := command.NewDispatcher(a.cfg.MQTT.TopicBase, a.conn, a.logger)
	reporter := stats.NewReporter(a.stats, a.cfg.StatsInterval, a.logger)

	apiServer := api.New(a.store, dispatcher, a.stats, func() bool {
		return a.conn.State() == transport.Running
	}, a.logger)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.httpAddr <- ln.Addr().String()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(ln.Addr().(*net.TCPAddr).Port); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return router.Run(gctx, a.conn.Events()) })
	g.Go(func() error { return a.conn.Run(gctx) })
	g.Go(func() error { return reporter.Run(gctx) })

	g.Go(func() error {
		a.logger.Info("http server started", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})

	if brokerErrCh != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-brokerErrCh:
				if !ok {
					return nil
				}
				return err
			}
		})
	}

	if a.cfg.Interactive {
		console := shell.New(a.consoleIn, a.consoleOut, a.store, dispatcher, a.stats, a.logger)
		g.Go(func() error {
			if err := console.Run(gctx); err != nil {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
			return errQuit
		})
	}

	a.logger.Info("ingestion running", "topic_base", a.cfg.MQTT.TopicBase, "database", a.cfg.Database.Path)

	err = g.Wait()
	a.logger.Info("ingestion stopped", "stats", a.stats.Snapshot())
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// HTTPAddr returns the API listen address once Run has bound it.
func (a *App) HTTPAddr(ctx context.Context) (string, error) {
	select {
	case addr := <-a.httpAddr:
		a.httpAddr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *App) transportOptions() transport.Options {
	m := a.cfg.MQTT
	return transport.Options{
		BrokerURL:      m.BrokerURL,
		ClientID:       m.ClientID,
		Username:       m.Username,
		Password:       m.Password,
		Filters:        ingest.Filters(m.TopicBase),
		QoS:            byte(m.QoS),
		ConnectTimeout: m.ConnectTimeout,
		PublishTimeout: m.PublishTimeout,
		Backoff: transport.BackoffPolicy{
			InitialInterval: m.ReconnectInitial,
			MaxInterval:     m.ReconnectMax,
			MaxRetries:      m.ReconnectMaxRetries,
		},
	}
}

func (a *App) newRouter() *ingest.Router {
	router := ingest.NewRouter(a.stats, a.logger)
	router.Handle(model.KindTelemetry, ingest.NewTelemetryHandler(a.store, a.stats, a.logger))
	router.Handle(model.KindStatus, ingest.NewStatusHandler(a.store, a.stats, a.logger))
	router.Handle(model.KindHeartbeat, ingest.NewHeartbeatHandler(a.store, a.stats, a.logger))
	return router
}
