package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/activitybridge/internal/activity"
	"github.com/gaspardpetit/activitybridge/internal/broker"
	"github.com/gaspardpetit/activitybridge/internal/cache"
	"github.com/gaspardpetit/activitybridge/internal/config"
	"github.com/gaspardpetit/activitybridge/internal/drain"
	"github.com/gaspardpetit/activitybridge/internal/logx"
	"github.com/gaspardpetit/activitybridge/internal/metrics"
	"github.com/gaspardpetit/activitybridge/internal/procinfo"
	"github.com/gaspardpetit/activitybridge/internal/reportsink"
	"github.com/gaspardpetit/activitybridge/internal/server"
	"github.com/gaspardpetit/activitybridge/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const reportStreamMaxLen = 10000

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "activitybridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config")
	}
	if *showVersion {
		fmt.Printf("activitybridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	state := serverstate.New(nil)
	sink := reportsink.Multi{reportsink.NewLog()}
	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr, serverstate.DefaultRedisKey)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		state = serverstate.New(rs)
		client, err := serverstate.NewRedisClient(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = client.Close() }()
		sink = append(sink, reportsink.NewRedis(client, cfg.ReportStream, reportStreamMaxLen))
		logx.Log.Info().Str("addr", cfg.RedisAddr).Str("stream", cfg.ReportStream).Msg("using redis state store and report stream")
	}
	state.Reset()

	b := broker.New(broker.Options{
		RequestTimeout: cfg.RequestTimeout,
		OutboundBuffer: cfg.OutboundBuffer,
		IncomingBuffer: cfg.IncomingBuffer,
		EventBuffer:    cfg.EventBuffer,
	})
	b.Start()
	c := cache.New(b.Decoder())
	c.Start(b)
	sub := activity.NewSubscription(b, c, cfg.ReportBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		reportsink.Run(ctx, sub, sink)
	}()

	handler, err := server.New(server.Options{
		Config:    cfg,
		Version:   version,
		Broker:    b,
		Cache:     c,
		Tracker:   sub,
		Processes: procinfo.Provider{},
		State:     state,
		Registry:  reg,
	})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("build server")
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if state.IsDraining() || cfg.DrainTimeout <= 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			state.StartDrain()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				if drain.Wait(ctx, b.PendingCount, cfg.DrainTimeout) {
					logx.Log.Info().Msg("drained")
				} else if ctx.Err() == nil {
					logx.Log.Warn().Int("pending", b.PendingCount()).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logx.Log.Fatal().Err(err).Int("port", cfg.Port).Msg("listen")
	}
	state.SetStatus(serverstate.StatusReady)
	logx.Log.Info().Int("port", cfg.Port).Str("ws_path", cfg.WSPath).Str("version", version).Msg("broker starting")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Error().Err(err).Msg("server error")
	}

	cancel()
	b.Close()
	sub.Close()
	c.Wait()
	<-sinkDone
	logx.Log.Info().Msg("broker stopped")
}
