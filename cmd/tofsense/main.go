package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/tofsense/internal/config"
	"github.com/banshee-data/tofsense/internal/db"
	"github.com/banshee-data/tofsense/internal/monitoring"
	"github.com/banshee-data/tofsense/internal/serialport"
	"github.com/banshee-data/tofsense/internal/simulator"
	"github.com/banshee-data/tofsense/internal/version"
)

// options holds the command line. Flags that are set override the config file.
type options struct {
	configPath  string
	port        string
	baud        int
	devMode     bool
	devStuck    int
	listen      string
	dbPath      string
	logPath     string
	migrate     string
	verbose     bool
	showVersion bool
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("tofsense", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to a JSON or YAML config file")
	fs.StringVar(&o.port, "port", "/dev/ttyUSB0", "Serial port to use (ignored in dev mode)")
	fs.IntVar(&o.baud, "baud", serialport.DefaultBaudRate, "Serial baud rate")
	fs.BoolVar(&o.devMode, "dev", false, "Run against a simulated sensor instead of a serial port")
	fs.IntVar(&o.devStuck, "dev-stuck", -1, "In dev mode, freeze this channel at zero (-1 for none)")
	fs.StringVar(&o.listen, "listen", "", "Debug HTTP listen address, e.g. localhost:8090 (empty disables)")
	fs.StringVar(&o.dbPath, "db", "", "sqlite log path (empty disables)")
	fs.StringVar(&o.logPath, "log", "", "Write the CSV row log to this path (enables row logging)")
	fs.StringVar(&o.migrate, "migrate", "", "Run a schema command (up, down or version) against -db and exit")
	fs.BoolVar(&o.verbose, "v", false, "Verbose logging")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	return fs
}

// loadConfig reads the config file, if any, and applies the flags the user
// set explicitly.
func loadConfig(o *options, fs *flag.FlagSet) (*config.Config, error) {
	cfg := &config.Config{}
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = config.Ptr(o.port)
		case "baud":
			cfg.BaudRate = config.Ptr(o.baud)
		case "listen":
			cfg.Listen = config.Ptr(o.listen)
		case "db":
			cfg.DBPath = config.Ptr(o.dbPath)
		case "log":
			cfg.LogPath = config.Ptr(o.logPath)
			cfg.EnableLogging = config.Ptr(o.logPath != "")
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// opener picks the real serial port or the simulator.
func opener(o *options, cfg *config.Config) (serialport.Opener, error) {
	if !o.devMode {
		return serialport.OpenSerial, nil
	}
	sim := simulator.Config{
		Layout:    cfg.Layout(),
		Generator: simulator.Sweep(cfg.GetLimit(), 200),
	}
	if o.devStuck >= 0 {
		if o.devStuck >= cfg.GetChannelCount() {
			return nil, fmt.Errorf("-dev-stuck %d: only %d channels", o.devStuck, cfg.GetChannelCount())
		}
		sim.Stuck = map[int]int{o.devStuck: 0}
	}
	return simulator.Opener(sim), nil
}

// migrateDB runs one schema command against the database at path and
// describes the resulting version.
func migrateDB(cmd, path string) (string, error) {
	if path == "" {
		return "", errors.New("-migrate needs a database path (-db or db_path)")
	}
	store, err := db.OpenDB(path)
	if err != nil {
		return "", err
	}
	defer store.Close()

	switch cmd {
	case "up":
		err = store.MigrateUp()
	case "down":
		err = store.MigrateDown()
	case "version":
	default:
		return "", fmt.Errorf("unknown -migrate command %q (want up, down or version)", cmd)
	}
	if err != nil {
		return "", err
	}
	version, dirty, err := store.MigrateVersion()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: schema version %d (dirty=%t)", path, version, dirty), nil
}

func main() {
	var o options
	fs := newFlagSet(&o)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if o.showVersion {
		fmt.Println(version.String())
		return
	}

	monitoring.SetVerbose(o.verbose)
	log.Print(version.String())

	cfg, err := loadConfig(&o, fs)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if o.migrate != "" {
		status, err := migrateDB(o.migrate, cfg.GetDBPath())
		if err != nil {
			log.Fatalf("migrate %s: %v", o.migrate, err)
		}
		fmt.Println(status)
		return
	}
	open, err := opener(&o, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, open, nil); err != nil {
		log.Printf("tofsense stopped: %v", err)
		stop()
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}
