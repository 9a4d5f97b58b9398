package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"courier/internal/app"
	"courier/internal/config"
	"courier/internal/logging"
)

// options are the command-line overrides applied on top of the loaded config.
type options struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
	natsURL    string
	nodeID     string
}

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("courier", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVarP(&opts.configPath, "config", "c", os.Getenv("COURIER_CONFIG_FILE"), "path to YAML config file")
	fs.StringVar(&opts.addr, "addr", "", "listen address host:port (overrides config)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&opts.natsURL, "nats-url", "", "NATS server URL; enables clustered fan-out")
	fs.StringVar(&opts.nodeID, "node-id", "", "identifier of this node on the fan-out bus")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// apply layers flag overrides over cfg.
func (o *options) apply(cfg *config.Config) error {
	if o.addr != "" {
		host, port, err := net.SplitHostPort(o.addr)
		if err != nil {
			return fmt.Errorf("invalid --addr: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid --addr port: %w", err)
		}
		cfg.HTTP.Host, cfg.HTTP.Port = host, p
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if o.natsURL != "" {
		cfg.Fanout.Mode = config.FanoutNATS
		cfg.Fanout.NATSURL = o.natsURL
	}
	if o.nodeID != "" {
		cfg.Fanout.NodeID = o.nodeID
	}
	return cfg.Validate()
}

// loadConfig resolves defaults, environment, file and flags in that order.
func loadConfig(args []string, output io.Writer) (*config.Config, error) {
	opts, err := parseFlags(args, output)
	if err != nil {
		return nil, err
	}

	cfg := config.LoadFromEnv()
	if opts.configPath != "" {
		fileCfg, err := config.LoadConfigWithPrecedence(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = fileCfg
	}
	if err := opts.apply(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run(args []string, stderr io.Writer) error {
	// STEP 1: Load configuration (flags > file > env > defaults)
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}

	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 4: Start application
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 5: Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
