package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/lox/neuralda/internal/api"
	"github.com/lox/neuralda/internal/archive"
	"github.com/lox/neuralda/internal/checkpoint"
	"github.com/lox/neuralda/internal/config"
	"github.com/lox/neuralda/internal/cycle"
	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/forecast"
	"github.com/lox/neuralda/internal/logger"
	"github.com/lox/neuralda/internal/store"
)

type CLI struct {
	ConfigFile kong.ConfigFlag `name:"config" help:"YAML file with flag values."`
	Run        config.Config   `embed:""`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	var cli CLI
	kong.Parse(&cli,
		kong.Name("neuralda"),
		kong.Description("Cyclic 4D-Var data assimilation with a neural surrogate forecast model."),
		kong.Configuration(config.YAML),
		kong.UsageOnError(),
	)

	if err := logger.Init(cli.Run.LogLevel); err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, &cli.Run); err != nil {
		logger.Log.Errorf("neuralda: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Log.Infof("neuralda: run %s", cfg.RunName())

	var journal *store.Store
	if cfg.Journal != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal), 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
		db, err := sql.Open("sqlite", cfg.Journal)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA busy_timeout=5000")

		journal = store.New(db)
		if err := journal.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Log.Infof("neuralda: journal %s migrated", cfg.Journal)
	}

	if cfg.HTTPPort != "" {
		if journal == nil {
			return fmt.Errorf("status server needs a journal: %w", config.ErrInvalid)
		}
		server := api.NewServer(journal, cfg.HTTPPort)
		go func() {
			logger.Log.Infof("neuralda: starting server on :%s", cfg.HTTPPort)
			if err := server.Run(ctx); err != nil {
				logger.Log.Errorf("neuralda: server: %v", err)
			}
		}()
	}

	in, err := cycle.LoadInputs(cfg, field.NumChannels)
	if err != nil {
		return err
	}

	g := cfg.Grid()
	truth, err := archive.Open(cfg.TruthArchive(), g)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	src := cycle.Sources{Truth: truth}
	if opts, ok := cfg.ObservationArchive(); ok {
		if src.Obs, err = archive.Open(opts, g); err != nil {
			return fmt.Errorf("open observation archive: %w", err)
		}
	}

	if err := forecast.InitRuntime(cfg.ONNXLibrary); err != nil {
		return err
	}
	defer forecast.ShutdownRuntime()

	flow, err := newEngine(cfg, cfg.FlowModel)
	if err != nil {
		return err
	}
	defer flow.Close()
	fc, err := newEngine(cfg, cfg.ForecastModel)
	if err != nil {
		return err
	}
	defer fc.Close()

	ctrl, err := cycle.Build(cfg, in, src, cycle.Engines{Flow: flow, Forecast: fc},
		checkpoint.New(cfg.ResultsDir, cfg.IntermediateDir), journal)
	if err != nil {
		return err
	}
	_, err = ctrl.Run(ctx)
	return err
}

func newEngine(cfg *config.Config, path string) (*forecast.ONNX, error) {
	e, err := forecast.NewONNX(forecast.ONNXConfig{
		Path:        path,
		InputName:   cfg.ModelInput,
		OutputName:  cfg.ModelOutput,
		Channels:    field.NumChannels,
		OutChannels: cfg.OutChannels(field.NumChannels),
		Grid:        cfg.Grid(),
	})
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	return e, nil
}
