package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"sunrelay/internal/config"
	"sunrelay/internal/console"
	appLog "sunrelay/internal/log"
	"sunrelay/internal/metrics"
	"sunrelay/internal/power"
	"sunrelay/internal/schedule"
	"sunrelay/internal/solar"
	"sunrelay/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values; set flags override the config file and
// the environment.
type flagConfig struct {
	configPath string
	latitude   float64
	longitude  float64
	zenith     string
	listen     string
	debug      bool
	noConsole  bool

	set map[string]bool
}

func main() {
	appLog.Info("sunrelay starting", "version", version)

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		if conf == nil {
			appLog.Error("failed to load config", err, "config_path", flags.configPath)
			os.Exit(1)
		}
		appLog.Warn("could not write default config; continuing with defaults", "config_path", flags.configPath, "error", err)
	}
	if err := conf.ApplyEnv(); err != nil {
		appLog.Error("failed to apply environment", err)
		os.Exit(1)
	}
	flags.apply(conf)

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	level, _ := appLog.ParseLevel(conf.LogLevel)
	appLog.SetLevel(level)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stdin := bufio.NewReader(os.Stdin)
	if conf.Console {
		console.Welcome(os.Stdout)
	}

	coord, ok := conf.Coordinate()
	if !ok {
		if !conf.Console {
			appLog.Error("missing location", errors.New("latitude and longitude are required without the console"))
			os.Exit(1)
		}
		coord, err = console.PromptCoordinate(stdin, os.Stdout, conf.Latitude, conf.Longitude)
		if err != nil {
			appLog.Error("no location entered", err)
			os.Exit(1)
		}
		conf.Latitude, conf.Longitude = &coord.Latitude, &coord.Longitude
		if err := conf.Save(flags.configPath); err != nil {
			appLog.Warn("could not save location", "config_path", flags.configPath, "error", err)
		}
	}

	zenith, _ := solar.ParseZenith(conf.Zenith)
	loc, _ := conf.Location()

	appLog.Info("effective config",
		"latitude", coord.Latitude,
		"longitude", coord.Longitude,
		"zenith", zenith,
		"timezone", loc.String(),
		"listen", conf.Listen,
		"resync", conf.Resync,
		"relay_pin", conf.Relay.Pin,
		"console", conf.Console,
	)

	dev := power.Default(conf.PowerConfig())
	sched := schedule.New(schedule.Options{
		Coordinate: coord,
		Zenith:     zenith,
		Location:   loc,
		Device:     dev,
		Recorder:   metrics.Recorder{},
	})
	if _, err := sched.Start(ctx); err != nil {
		if errors.Is(err, schedule.ErrStopped) {
			appLog.Error("scheduler failed to start", err)
			os.Exit(1)
		}
		appLog.Warn("no solar event to arm; retrying", "error", err)
	}

	c := cron.New(cron.WithLocation(loc), cron.WithLogger(appLog.CronLogger{}))
	if _, err := c.AddFunc(conf.Resync, sched.Resync); err != nil {
		appLog.Error("failed to register resync job", err, "resync", conf.Resync)
		os.Exit(1)
	}
	c.Start()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if conf.Listen != "" {
		srv := web.NewServer(conf, sched)
		go func() {
			if err := srv.Run(ctx); err != nil {
				appLog.Error("HTTP server failed", err)
				cancel()
			}
		}()
	}

	if conf.Console {
		go func() {
			err := console.Run(ctx, stdin, os.Stdout, sched)
			switch {
			case errors.Is(err, console.ErrQuit):
				cancel()
			case err != nil && !errors.Is(err, context.Canceled):
				appLog.Error("console failed", err)
			}
		}()
	}

	<-ctx.Done()
	appLog.Info("shutting down")

	<-c.Stop().Done()
	if err := sched.Stop(); err != nil {
		appLog.Error("failed to switch power off", err)
	}
	if closer, ok := dev.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			appLog.Error("failed to release relay", err)
		}
	}
	appLog.Info("sunrelay exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.Float64Var(&cfg.latitude, "latitude", 0, "Latitude in degrees, north positive (overrides config if set)")
	flag.Float64Var(&cfg.longitude, "longitude", 0, "Longitude in degrees, east positive (overrides config if set)")
	flag.StringVar(&cfg.zenith, "zenith", "", "Zenith preset (official, civil, nautical, astronomical) or degrees")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&cfg.noConsole, "no-console", false, "Disable the interactive console")

	flag.Parse()

	cfg.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })
	return cfg
}

// apply copies the flags that were given on the command line onto conf.
func (f flagConfig) apply(conf *config.Config) {
	if f.set["latitude"] {
		lat := f.latitude
		conf.Latitude = &lat
	}
	if f.set["longitude"] {
		lon := f.longitude
		conf.Longitude = &lon
	}
	if f.zenith != "" {
		conf.Zenith = f.zenith
	}
	if f.listen != "" {
		conf.Listen = f.listen
	}
	if f.debug {
		conf.LogLevel = string(appLog.LevelDebug)
	}
	if f.noConsole {
		conf.Console = false
	}
}
