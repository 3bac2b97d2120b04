package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvinsights/kvinsights/api"
	"github.com/kvinsights/kvinsights/cmd/utils"
	"github.com/kvinsights/kvinsights/entry"
	"github.com/kvinsights/kvinsights/inner"
	"github.com/kvinsights/kvinsights/queue"
	"github.com/kvinsights/kvinsights/queue/relay"
	"github.com/kvinsights/kvinsights/queue/relay/pgrelay"
	"github.com/kvinsights/kvinsights/queue/relay/wsrelay"
	"github.com/kvinsights/kvinsights/store"
	"github.com/kvinsights/kvinsights/store/fdbstore"
	"github.com/kvinsights/kvinsights/store/localstore"
	"github.com/kvinsights/kvinsights/store/sqlstore"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/exp/slog"
)

var (
	port            = flag.Int("port", 9090, "TCP port for HTTP server to bind")
	storeType       = flag.String("storeBackend", "memory", "backend to use for the entries and the queue. Valid options: memory|postgres|foundationdb")
	postgresURL     = flag.String("postgresURL", utils.LookupWithFallback("KVINSIGHTS_POSTGRES_URL", ""), "lib/pq connection string used by the postgres store and relay")
	tablePrefix     = flag.String("tablePrefix", "kvinsights", "prefix of the tables used by the postgres store")
	fdbClusterFile  = flag.String("foundationDBClusterFilePath", utils.LookupWithFallback("KVINSIGHTS_FDB_CLUSTER_FILE", ""), "path to use for the FoundationDB cluster file")
	relayType       = flag.String("relay", "none", "relay connecting the queue service to the other servers. Valid options: none|websocket|postgres")
	relayURL        = flag.String("relayURL", "", "websocket URL of the relay hub, e.g. ws://host:9090/api/v1/relay. Only used by the websocket relay")
	relayChannel    = flag.String("relayChannel", "kvinsights", "notification channel of the postgres relay")
	serveRelayHub   = flag.Bool("relayHub", false, "serve a websocket relay hub under '/api/v1/relay'")
	configFile      = flag.String("configFile", "", "optional JSON config file, reloaded when it changes. Supported settings: logLevel")
	shutdownTimeout = flag.Duration("shutdownTimeout", 0, "timeout until the server is forced to shutdown. By default is 0, which is infinite duration until the store is closed")
	logFormat       = flag.String("logFormat", "text", "format to use for the logger. The formats it accepst are: 'text', 'json'")
	logLevel        = flag.String("logLevel", "info", "level to use for the logger. The levels it accepts are: 'info', 'debug', 'error', 'warn'")
	pprofEnabled    = flag.Bool("pprof", false, "enable pprof endpoint under '/debug/pprof/'")
	internalAddr    = flag.String("internalAddr", "0.0.0.0:9091", "internal server address, e.g. metrics and pprof")
	otlpEndpoint    = flag.String("otlpEndpoint", utils.LookupWithFallback("KVINSIGHTS_OTLP_ENDPOINT", ""), "host:port of the OTLP gRPC collector receiving traces. Tracing is disabled if empty")
)

func main() {
	flag.Parse()

	flag.VisitAll(func(f *flag.Flag) {
		if f.Name == "postgresURL" && f.Value.String() != "" {
			fmt.Printf(" --%s=<redacted>\n", f.Name)
			return
		}
		fmt.Printf(" --%s=%s\n", f.Name, f.Value.String())
	})

	log, levelVar, err := utils.ParseLog(*logLevel, *logFormat)
	if err != nil {
		slog.Error("failed to parse log", slog.Any("error", err))
		os.Exit(1)
	}

	log = log.With(slog.String("service", "kvinsights"))

	if *configFile != "" {
		ctx, cc := context.WithCancel(context.Background())
		defer cc()
		if err := watchConfig(ctx, *configFile, levelVar, log); err != nil {
			log.Error("error watching config file", slog.Any("error", err))
			os.Exit(1)
		}
	}

	s, err := newStore(log)
	if err != nil {
		log.Error("error creating store", slog.Any("error", err), slog.String("storeBackend", *storeType))
		os.Exit(1)
	}

	m, err := inner.NewMetrics(log)
	if err != nil {
		log.Error("failed to initialize metrics", slog.Any("error", err))
		os.Exit(1)
	}
	queueMetrics, err := queue.NewMetrics(m.Registerer())
	if err != nil {
		log.Error("failed to initialize queue metrics", slog.Any("error", err))
		os.Exit(1)
	}

	tp, err := newTracerProvider(context.Background(), *otlpEndpoint)
	if err != nil {
		log.Error("error creating tracer provider", slog.Any("error", err))
		os.Exit(1)
	}
	if tp != nil {
		log.Info("exporting traces", slog.String("endpoint", *otlpEndpoint))
	}

	r, err := newRelay(log)
	if err != nil {
		log.Error("error creating relay", slog.Any("error", err), slog.String("relay", *relayType))
		os.Exit(1)
	}

	var (
		repository   = entry.NewRepository(s, entry.RepositoryOptions{Logger: log, TracerProvider: otel.GetTracerProvider()})
		queueService = queue.NewService(s, queue.ServiceOptions{
			Logger:  log,
			Relay:   r,
			Metrics: queueMetrics,
		})
		serverOpts = api.ServerOptions{Logger: log, TracerProvider: otel.GetTracerProvider()}
		hub        *wsrelay.Hub
	)
	if *serveRelayHub {
		hub = wsrelay.NewHub(wsrelay.HubOptions{Logger: log})
		serverOpts.RelayHub = hub
	}

	server := &app{
		Server: api.NewServer(repository, queueService, serverOpts),
		hub:    hub,
		store:  s,
		tp:     tp,
	}

	go func(server appServer) {
		sig := waitForSignal()
		log.Info("received signal", slog.Any("signal", sig))
		shutdown(log, server, *shutdownTimeout)
		os.Exit(0)
	}(server)

	// setup internal endpoint
	internalSrvr := http.Server{
		Addr:    *internalAddr,
		Handler: inner.NewServeMux(m, inner.MuxOptions{
			PProf:  *pprofEnabled,
			Health: func(ctx context.Context) error {
				_, err := s.List(ctx, nil, store.ListOptions{Limit: 1})
				return err
			},
		}),
	}
	if *pprofEnabled {
		log.Info("pprof enabled", slog.String("addr", *internalAddr+"/debug/pprof"))
	}
	go func() {
		log.Info("internal server listening", slog.String("addr", *internalAddr))
		if err := internalSrvr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("received error", slog.Any("error", err), slog.String("subService", "httpInternalServer"))
			shutdown(log, server, *shutdownTimeout)
		}
	}()

	log.Info("server listening", slog.Int("port", *port))
	if err := server.Start(*port); err != nil {
		log.Error("received error", slog.Any("error", err), slog.String("subService", "httpServer"))
		shutdown(log, server, *shutdownTimeout)
		os.Exit(1)
	}
}

func newStore(log *slog.Logger) (store.Store, error) {
	switch *storeType {
	case "memory":
		return localstore.New(localstore.Options{Logger: log}), nil
	case "postgres":
		ctx, cc := context.WithTimeout(context.Background(), 10*time.Second)
		defer cc()
		return sqlstore.New(ctx, sqlstore.Options{
			URL:         *postgresURL,
			TablePrefix: *tablePrefix,
			Logger:      log,
		})
	case "foundationdb":
		return fdbstore.New(fdbstore.Options{
			ClusterFile: *fdbClusterFile,
			Logger:      log,
		})
	default:
		return nil, fmt.Errorf("unknown store type: %s", *storeType)
	}
}

func newRelay(log *slog.Logger) (relay.Relay, error) {
	switch *relayType {
	case "none":
		return nil, nil
	case "websocket":
		if *relayURL == "" {
			return nil, errors.New("relayURL is required by the websocket relay")
		}
		return wsrelay.New(wsrelay.Options{URL: *relayURL, Logger: log}), nil
	case "postgres":
		return pgrelay.New(pgrelay.Options{
			URL:     *postgresURL,
			Channel: *relayChannel,
			Logger:  log,
		})
	default:
		return nil, fmt.Errorf("unknown relay type: %s", *relayType)
	}
}

type appServer interface {
	Start(int) error
	Stop(context.Context) error
}

// app stops the API server, then the relay hub, the store and finally flushes the
// traces.
type app struct {
	*api.Server

	hub   *wsrelay.Hub
	store store.Store
	tp    *sdktrace.TracerProvider
}

func (a *app) Stop(ctx context.Context) error {
	if err := a.Server.Stop(ctx); err != nil {
		return err
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if err := a.store.Close(ctx); err != nil {
		return fmt.Errorf("failed to close the store: %w", err)
	}
	if a.tp != nil {
		if err := a.tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to flush traces: %w", err)
		}
	}
	return nil
}

func waitForSignal() os.Signal {
	osSig := make(chan os.Signal, 1)
	signal.Notify(osSig, syscall.SIGTERM)
	signal.Notify(osSig, syscall.SIGINT)

	// wait for a signal to be received
	return <-osSig
}

func shutdown(log *slog.Logger, server appServer, timeout time.Duration) {
	tStart := time.Now()
	log.Info("shutting down server with timeout...", slog.Duration("timeout", timeout))
	var (
		ctx = context.Background()
		cc  context.CancelFunc
	)
	if timeout > 0 { // by default there is no timeout for shutting down
		ctx, cc = context.WithTimeout(context.Background(), timeout)
		defer cc()
	}

	if err := server.Stop(ctx); err != nil {
		log.Error("failed to shut down server", slog.Any("error", err))
		return
	}
	log.Info("successfully shut down server", slog.Duration("duration", time.Since(tStart)))
}
