package main

import (
	"context"
	"crypto/subtle"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"fabric/internal/bus"
	"fabric/internal/config"
	"fabric/internal/dispatch"
	"fabric/internal/ingest"
	"fabric/internal/obs"
	"fabric/internal/pack"
	"fabric/internal/recorder"
	"fabric/internal/sink"
	"fabric/pkg/conn"
	"fabric/pkg/exception"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

const (
	sinkTimeout     = time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("ingestd: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file (yaml or json); FABRIC_* env vars override it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if cfg.Profiling.Enabled {
		profiler, err := startProfiler(cfg.Profiling)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(reg)

	queue := bus.NewQueue(cfg.Queue.Capacity, cfg.Queue.Policy())
	metrics.WatchQueue(queue)

	var feed *sink.Feed
	if cfg.Feed.Enabled {
		feed = sink.NewFeed(sink.FeedConfig{
			ClientBuffer: cfg.Feed.ClientBuffer,
			Replay:       cfg.Feed.Replay,
			WriteTimeout: cfg.Feed.WriteTimeout,
		})
		defer feed.Close()
	}

	sinks, closeSinks, err := buildSinks(ctx, cfg, feed)
	if err != nil {
		return err
	}
	defer closeSinks()

	dispatcher := dispatch.New(queue, sinks, dispatch.WithMetrics(metrics), dispatch.WithSinkTimeout(sinkTimeout))
	dispatched := make(chan error, 1)
	go func() {
		dispatched <- dispatcher.Run(ctx)
	}()

	server, err := ingest.NewServer(ingest.Config{
		Network:        cfg.Ingest.Network,
		App:            cfg.Ingest.App,
		MaxMessageSize: cfg.Ingest.MaxMessageSize,
		WriteTimeout:   cfg.Ingest.WriteTimeout,
		IdleTimeout:    cfg.Ingest.IdleTimeout,
	}, queue,
		ingest.WithMetrics(metrics),
		ingest.WithAuthenticator(credentialCheck(cfg.Ingest.Credentials)),
	)
	if err != nil {
		queue.Close()
		<-dispatched
		return err
	}

	if err := server.Start(ctx, cfg.Ingest.Address, cfg.Ingest.Port); err != nil {
		// the start failure event is already queued; let the sinks see it
		queue.Close()
		<-dispatched
		return err
	}

	var httpServer *http.Server
	if cfg.Metrics.Enabled || feed != nil {
		mux := http.NewServeMux()
		if cfg.Metrics.Enabled {
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		}
		if feed != nil {
			mux.Handle(cfg.Feed.Path, feed)
		}
		httpServer = serveHTTP(cfg.Metrics.Address, mux)
	}

	<-sys.Shutdown()
	logs.Info("ingestd: shutdown signal received")

	if err := server.Stop(); err != nil {
		logs.Warnf("ingestd: stop server, err: %+v", err)
	}
	server.Registry().Clear()
	queue.Close()
	if err := <-dispatched; err != nil {
		logs.Warnf("ingestd: dispatcher, err: %+v", err)
	}
	logs.Infof("ingestd: dispatched %d events, %d sink failures, %d dropped, latency %+v",
		dispatcher.Dispatched(), dispatcher.Failures(), queue.Dropped(), metrics.DispatchLatency())

	if feed != nil {
		feed.Close()
	}
	if httpServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return nil
}

func buildSinks(ctx context.Context, cfg config.Config, feed *sink.Feed) ([]sink.Sink, func(), error) {
	sinks := []sink.Sink{sink.LogSink{}}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Journal.Enabled {
		pg, err := conn.NewPostgres(ctx, conn.PostgresOption{
			Host:       cfg.Journal.Host,
			Port:       cfg.Journal.Port,
			User:       cfg.Journal.User,
			Password:   cfg.Journal.Password,
			Database:   cfg.Journal.Database,
			SSLMode:    cfg.Journal.SSLMode,
			ConnString: cfg.Journal.DSN,
			Params:     map[string]string{"application_name": cfg.Ingest.App},
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = pg.Close() })
		journal, err := sink.NewJournal(pg.DB())
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, journal)
	}

	if cfg.Redis.Enabled {
		client, err := conn.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		pub, err := sink.NewRedisSink(client, cfg.Redis.Channel)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, pub)
	}

	if cfg.Tape.Enabled {
		tapeCfg := recorder.DefaultConfig(cfg.Tape.Dir)
		tapeCfg.FilePrefix = cfg.Tape.FilePrefix
		if cfg.Tape.SegmentMaxBytes > 0 {
			tapeCfg.SegmentMaxBytes = cfg.Tape.SegmentMaxBytes
		}
		if cfg.Tape.SegmentMaxDuration > 0 {
			tapeCfg.SegmentMaxDuration = cfg.Tape.SegmentMaxDuration
		}
		tapeCfg.FlushInterval = cfg.Tape.FlushInterval
		tape, err := recorder.NewWriter(tapeCfg)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if err := tape.Start(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := tape.Close(); err != nil {
				logs.Errorf("ingestd: close tape, err: %+v", err)
			}
		})
		sinks = append(sinks, tape)
	}

	if feed != nil {
		sinks = append(sinks, feed)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logs.Infof("ingestd: sinks %s", strings.Join(names, ","))
	return sinks, closeAll, nil
}

// credentialCheck accepts every login when no credentials are configured.
// Account keys are matched case-insensitively.
func credentialCheck(credentials map[string]string) ingest.Authenticator {
	if len(credentials) == 0 {
		return nil
	}
	known := make(map[string][]byte, len(credentials))
	for account, secret := range credentials {
		known[strings.ToLower(account)] = []byte(secret)
	}
	return func(login pack.Login) error {
		secret, ok := known[strings.ToLower(login.Account.String())]
		if !ok || subtle.ConstantTimeCompare(secret, []byte(login.Credential.String())) != 1 {
			return exception.ErrIngestLoginRejected
		}
		return nil
	}
}

func serveHTTP(addr string, mux *http.ServeMux) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Errorf("ingestd: http server, err: %+v", err)
		}
	}()
	logs.Infof("ingestd: http on %s", addr)
	return srv
}

func startProfiler(cfg config.ProfilingConfig) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.AppName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope").With("server", cfg.ServerAddress)
	}
	return profiler, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Debugf(format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logs.Debugf(format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }
