package main

import (
	"context"
	"errors"
	"fmt"
	"logbook/internal/api"
	"logbook/internal/config"
	"logbook/internal/engine"
	"logbook/internal/session"
	"logbook/internal/timesource"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen, logLevel string
	flags := pflag.NewFlagSet("logbook", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "logbook.json", "settings file (.json or .yaml)")
	flags.StringVar(&listen, "listen", "", "listen address (overrides the settings file)")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides the settings file)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// 1. Settings. Without a settings file the defaults are used.
	cfg, err := config.Load(configPath)
	if errors.Is(err, config.ErrNotFound) {
		log.Warnf("%v, continuing with default settings", err)
	} else if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	lvl := parseLevel(cfg.LogLevel)
	log.SetLevel(lvl)
	engine.SetLogger(newLogger("engine", lvl))

	// 2. Open logbooks and connect their telemetry
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := session.Options{
		Load:       cfg.LoadOptions(),
		Policy:     cfg.Policy(),
		WindowSize: cfg.Autofill.WindowSize,
		Device:     cfg.DeviceOptions(),
		Clock:      timesource.NewNTP(cfg.NTP.Server, time.Duration(cfg.NTP.Timeout), newLogger("timesource", lvl)),
		Feeds: session.FeedOptions{
			MQTT:         cfg.MQTTOptions(),
			Kafka:        cfg.KafkaOptions(),
			PollInterval: time.Duration(cfg.Device.PollInterval),
		},
		Logger: newLogger("session", lvl),
	}
	t0 := time.Now()
	books := session.NewManager(opts.Logger)
	if err := books.LoadAll(ctx, cfg.Logbooks, opts); err != nil {
		return err
	}
	log.Infof("Opened %d of %d logbooks in %v", len(books.List()), len(cfg.Logbooks), time.Since(t0))

	// 3. Initialize Echo
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(lvl)
	e.JSONSerializer = api.JSONSerializer{}
	e.Use(middleware.CORS())
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	h := api.NewHandler(books)
	h.RegisterRoutes(e)

	// 4. Serve until interrupted
	errc := make(chan error, 1)
	go func() {
		log.Infof("Server ready on %s", cfg.Listen)
		errc <- e.Start(cfg.Listen)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			books.Close()
			return err
		}
	case <-ctx.Done():
	}

	// 5. Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	if modified := books.Modified(); len(modified) > 0 {
		log.Warnf("Unsaved changes in %s are discarded", strings.Join(modified, ", "))
	}
	return books.Close()
}

func parseLevel(s string) log.Lvl {
	switch strings.ToLower(s) {
	case "debug":
		return log.DEBUG
	case "warn", "warning":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}

func newLogger(prefix string, lvl log.Lvl) *log.Logger {
	l := log.New(prefix)
	l.SetLevel(lvl)
	return l
}
