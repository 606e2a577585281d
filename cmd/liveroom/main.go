package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/pflag"

	"liveroom/internal/app"
	"liveroom/internal/config"
)

type options struct {
	configPath string
	seedPath   string
	logLevel   string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(run(opts))
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("liveroom", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&opts.configPath, "config", os.Getenv("LIVEROOM_CONFIG_FILE"), "path to a JSON or YAML configuration file")
	flagSet.StringVar(&opts.seedPath, "seed", "", "YAML file of worlds and rooms to import at startup")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

// loadConfig applies the flags on top of file > environment > defaults.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.seedPath != "" {
		cfg.Seed.Path = opts.seedPath
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func run(opts *options) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	logger := config.NewLogger(cfg.Logging, os.Stderr)

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		logger.Error("failed to create application", "error", err)
		return 1
	}
	if err := application.Start(context.Background()); err != nil {
		logger.Error("failed to start application", "error", err)
		_ = application.Stop(context.Background())
		return 1
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.HTTP.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"liveroom": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				return application.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("liveroom exited", "code", exitCode)
	return exitCode
}
