package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	proxycache "github.com/always-cache/proxy-cache"
	"github.com/always-cache/proxy-cache/pkg/origin"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/net/netutil"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	config, flagSet, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if printConfigFlag, _ := flagSet.GetBool("print-config"); printConfigFlag {
		if err := printConfig(os.Stdout, config); err != nil {
			log.Fatal().Err(err).Msg("Could not print config")
		}
		return
	}
	if config.Listen.Port == 0 && config.Listen.Host == "" {
		flagSet.Usage()
		os.Exit(2)
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if config.Log.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.Log.File != "" {
		if logFileOutput, err := os.OpenFile(config.Log.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	store, err := openCache(config.Cache)
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Cache.Provider).Msg("Could not open cache")
	}
	defer store.Close()

	proxy := proxycache.CreateProxy(proxycache.Config{
		Cache: store,
		Origin: origin.NewFetcher(origin.Config{
			BufferSize: config.Origin.BufferSize,
			Port:       config.Origin.Port,
			Logger:     &log.Logger,
		}),
		Logger:            &log.Logger,
		BufferSize:        config.Origin.BufferSize,
		UnevaluableAsMiss: config.Cache.UnevaluableAsMiss,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// restore default signal handling, a second signal kills the process
		<-ctx.Done()
		stop()
		log.Info().Msg("Shutting down")
	}()

	addr := net.JoinHostPort(config.Listen.Host, strconv.Itoa(config.Listen.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Port is in use")
	}
	if config.Listen.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, config.Listen.MaxConnections)
	}

	if config.Admin.Address != "" {
		adminServer := &http.Server{Addr: config.Admin.Address, Handler: proxy.AdminRouter()}
		go func() {
			log.Info().Msgf("Admin API listening on %s", config.Admin.Address)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Admin API stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			adminServer.Close()
		}()
	}

	log.Info().
		Str("provider", config.Cache.Provider).
		Str("dir", config.Cache.Dir).
		Msgf("Proxying on %s", listener.Addr())
	server := proxycache.Server{Proxy: proxy}
	if err := server.Serve(ctx, listener); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}
	log.Info().Msg("Exited")
}
