// Package config holds the settings of one assimilation run.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/neuralda/internal/archive"
	"github.com/lox/neuralda/internal/assim"
	"github.com/lox/neuralda/internal/field"
	"github.com/lox/neuralda/internal/observation"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EndTimeLayout is how the end time appears in run names.
const EndTimeLayout = "2006-01-02 15:04:05"

// Config is built once by the command and passed down. Field tags drive
// the command line, environment and YAML surfaces.
type Config struct {
	StartTime time.Time     `help:"First analysis time (RFC3339)." default:"2018-01-01T00:00:00Z" env:"NEURALDA_START_TIME" group:"Cycle"`
	EndTime   time.Time     `help:"Last time a cycle may reach (RFC3339)." default:"2018-02-20T23:00:00Z" env:"NEURALDA_END_TIME" group:"Cycle"`
	CycleTime time.Duration `help:"Time between analyses. A multiple of 6h." default:"12h" group:"Cycle"`

	DAMode          string  `name:"da-mode" help:"Assimilation mode." enum:"free_run,sc4dvar" default:"free_run" group:"Assimilation"`
	DAWin           int     `name:"da-win" help:"Window length in 6h steps." default:"2" group:"Assimilation"`
	InitLag         int     `help:"Cold start forecast length in 6h steps." default:"8" group:"Assimilation"`
	Nit             int     `name:"nit" help:"Outer iterations per cycle." default:"3" group:"Assimilation"`
	InnerIterations int     `help:"L-BFGS iterations per outer iteration." default:"5" group:"Assimilation"`
	History         int     `help:"L-BFGS memory." default:"10" group:"Assimilation"`
	ForecastSteps   int     `help:"Model steps per background forecast. 0 derives it from the cycle time." default:"0" group:"Assimilation"`
	Workers         int     `help:"Parallel workers for the covariance transform. 0 uses one per CPU." default:"0" group:"Assimilation"`

	ObsStd    float64 `help:"Observation error std in normalized units." default:"0.001" group:"Observations"`
	ObsType   string  `help:"Observation network; selects mask_<type>.nc." default:"random_015" group:"Observations"`
	Synthetic bool    `help:"Derive observations from truth plus noise." default:"true" negatable:"" group:"Observations"`
	Seed      uint64  `help:"Seed for synthetic observation noise." default:"0" group:"Observations"`

	Prefix          string `help:"Run name prefix." default:"exp" env:"NEURALDA_PREFIX" group:"Output"`
	SaveInterval    int    `help:"Checkpoint every N cycles." default:"5" group:"Output"`
	SaveField       bool   `help:"Also save xb and xa fields at each checkpoint." group:"Output"`
	SaveGT          bool   `name:"save-gt" help:"Also save the truth window at each checkpoint." group:"Output"`
	SaveObs         bool   `help:"Also save the observation window at each checkpoint." group:"Output"`
	ResultsDir      string `help:"Root of run directories." default:"da_cycle_results" env:"NEURALDA_RESULTS_DIR" group:"Output"`
	IntermediateDir string `help:"Directory for truth and observation dumps." default:"intermediate/ground_truth" group:"Output"`

	CoeffDir string `help:"Directory with len_scale.nc and q<k>.nc." default:"dataset/bq_info" env:"NEURALDA_COEFF_DIR" group:"Inputs"`
	MaskDir  string `help:"Directory with mask_<type>.nc." default:"dataset" group:"Inputs"`
	ClimDir  string `help:"Directory with layer_mean.nc and layer_std.nc." default:"dataset" group:"Inputs"`
	NLat     int    `name:"nlat" help:"Grid latitudes." default:"721" group:"Inputs"`
	NLon     int    `name:"nlon" help:"Grid longitudes." default:"1440" group:"Inputs"`

	Archive      string        `help:"Truth archive back end." enum:"local,ftp,s3" default:"local" env:"NEURALDA_ARCHIVE" group:"Archive"`
	ArchiveRoot  string        `help:"Archive root directory or key prefix." default:"data/era5" env:"BASE_DATA_DIR" group:"Archive"`
	ObsArchive   string        `help:"Root of observation files when not synthetic." group:"Archive"`
	CacheSize    int           `help:"States kept in the fetch cache; 0 keeps da_win+2. One 721x1440 state of 69 channels holds about 573 MB." default:"0" group:"Archive"`
	FTPHost      string        `name:"ftp-host" help:"FTP mirror host:port." env:"NEURALDA_FTP_HOST" group:"Archive"`
	FTPUser      string        `name:"ftp-user" help:"FTP user." env:"NEURALDA_FTP_USER" group:"Archive"`
	FTPPassword  string        `name:"ftp-password" help:"FTP password." env:"NEURALDA_FTP_PASSWORD" group:"Archive"`
	S3Bucket     string        `name:"s3-bucket" help:"Bucket holding the archive." default:"era-bucket" env:"BUCKET_NAME" group:"Archive"`
	S3Endpoint   string        `name:"s3-endpoint" help:"Endpoint URL of an S3-compatible store." env:"AWS_S3_ENDPOINT_URL" group:"Archive"`
	S3Region     string        `name:"s3-region" help:"Bucket region." default:"garage" env:"AWS_REGION" group:"Archive"`
	S3AccessKey  string        `name:"s3-access-key" help:"Access key." env:"AWS_ACCESS_KEY_ID" group:"Archive"`
	S3SecretKey  string        `name:"s3-secret-key" help:"Secret key." env:"AWS_SECRET_ACCESS_KEY" group:"Archive"`
	FetchTimeout time.Duration `help:"Total retry budget per remote fetch." default:"5m" group:"Archive"`

	FlowModel       string `help:"ONNX artifact of the flow model." default:"models/flow.onnx" env:"ONNX_MODEL_PATH" group:"Models"`
	ForecastModel   string `help:"ONNX artifact of the forecast model." default:"models/forecast.onnx" env:"ONNX_FORECAST_MODEL_PATH" group:"Models"`
	ModelInput      string `help:"Model input tensor name." default:"input" group:"Models"`
	ModelOutput     string `help:"Model output tensor name." default:"output" group:"Models"`
	ModelOutChannel int    `name:"model-out-channels" help:"Channels the models emit. 0 means twice the state channels." default:"0" group:"Models"`
	ONNXLibrary     string `name:"onnx-library" help:"Path to the onnxruntime shared library." env:"ONNXRUNTIME_LIB" group:"Models"`

	Journal  string `help:"SQLite run journal. Empty disables it." default:"data/neuralda.db" env:"NEURALDA_JOURNAL" group:"Service"`
	HTTPPort string `name:"http-port" help:"Port of the status server. Empty disables it." env:"NEURALDA_HTTP_PORT" group:"Service"`
	LogLevel string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"NEURALDA_LOG_LEVEL" group:"Service"`
}

// Validate checks everything that can be checked without touching disk.
func (c *Config) Validate() error {
	if _, err := assim.ParseMode(c.DAMode); err != nil {
		return fmt.Errorf("da mode: %v: %w", err, ErrInvalid)
	}
	if !c.EndTime.After(c.StartTime) {
		return fmt.Errorf("end time %s not after start time %s: %w", c.EndTime.Format(time.RFC3339), c.StartTime.Format(time.RFC3339), ErrInvalid)
	}
	if c.CycleTime <= 0 || c.CycleTime%observation.Step != 0 {
		return fmt.Errorf("cycle time %s must be a positive multiple of %s: %w", c.CycleTime, observation.Step, ErrInvalid)
	}
	if c.StartTime.Sub(c.StartTime.Truncate(observation.Step)) != 0 {
		return fmt.Errorf("start time %s is not on the %s grid: %w", c.StartTime.Format(time.RFC3339), observation.Step, ErrInvalid)
	}
	switch {
	case c.DAWin < 1:
		return fmt.Errorf("da_win %d must be at least 1: %w", c.DAWin, ErrInvalid)
	case c.InitLag < 1:
		return fmt.Errorf("init_lag %d must be at least 1: %w", c.InitLag, ErrInvalid)
	case c.Nit < 0:
		return fmt.Errorf("Nit %d must not be negative: %w", c.Nit, ErrInvalid)
	case c.InnerIterations < 1:
		return fmt.Errorf("inner iterations %d must be at least 1: %w", c.InnerIterations, ErrInvalid)
	case c.History < 1:
		return fmt.Errorf("history %d must be at least 1: %w", c.History, ErrInvalid)
	case c.ForecastSteps < 0:
		return fmt.Errorf("forecast steps %d must not be negative: %w", c.ForecastSteps, ErrInvalid)
	case c.Workers < 0:
		return fmt.Errorf("workers %d must not be negative: %w", c.Workers, ErrInvalid)
	case c.CacheSize < 0:
		return fmt.Errorf("cache size %d must not be negative: %w", c.CacheSize, ErrInvalid)
	case !(c.ObsStd > 0):
		return fmt.Errorf("obs_std %v must be positive: %w", c.ObsStd, ErrInvalid)
	case c.SaveInterval < 1:
		return fmt.Errorf("save_interval %d must be at least 1: %w", c.SaveInterval, ErrInvalid)
	case c.NLat < 2 || c.NLon < 2:
		return fmt.Errorf("grid %dx%d too small: %w", c.NLat, c.NLon, ErrInvalid)
	case c.ObsType == "":
		return fmt.Errorf("obs_type required: %w", ErrInvalid)
	case !c.Synthetic && c.ObsArchive == "":
		return fmt.Errorf("real observations need an observation archive: %w", ErrInvalid)
	}
	if c.ModelOutChannel != 0 && c.ModelOutChannel < field.NumChannels {
		return fmt.Errorf("models emit %d channels, need at least %d: %w", c.ModelOutChannel, field.NumChannels, ErrInvalid)
	}
	return nil
}

// Mode is the parsed assimilation mode. Validate must have passed.
func (c *Config) Mode() assim.Mode {
	m, _ := assim.ParseMode(c.DAMode)
	return m
}

// Grid is the state grid.
func (c *Config) Grid() field.Grid { return field.Grid{NLat: c.NLat, NLon: c.NLon} }

// RunName keys the checkpoint directory and journal entries of the run.
func (c *Config) RunName() string {
	return fmt.Sprintf("%s_%s_std%.3f_win%d_lag%d_%s",
		c.Prefix, c.ObsType, c.ObsStd, c.DAWin, c.InitLag, c.EndTime.UTC().Format(EndTimeLayout))
}

// FetchCacheSize is the number of states the archive cache keeps. A
// cycle reads its window plus the aux state, and the next cycle starts
// on the last of those.
func (c *Config) FetchCacheSize() int {
	if c.CacheSize > 0 {
		return c.CacheSize
	}
	return c.DAWin + 2
}

// BackgroundSteps is the number of model steps that advance the analysis
// to the next cycle's background.
func (c *Config) BackgroundSteps() int {
	if c.ForecastSteps > 0 {
		return c.ForecastSteps
	}
	return int(c.CycleTime / observation.Step)
}

// OutChannels is the channel count the models emit for states of the
// given channel count.
func (c *Config) OutChannels(channels int) int {
	if c.ModelOutChannel > 0 {
		return c.ModelOutChannel
	}
	return 2 * channels
}

// ObservationConfig is the observation model part of c.
func (c *Config) ObservationConfig() observation.Config {
	return observation.Config{DAWin: c.DAWin, ObsStd: c.ObsStd, Synthetic: c.Synthetic, Seed: c.Seed}
}

// TruthArchive describes where truth states are read from.
func (c *Config) TruthArchive() archive.Options {
	return archive.Options{
		Kind:      c.Archive,
		Root:      c.ArchiveRoot,
		CacheSize: c.FetchCacheSize(),
		FTP: archive.FTPConfig{
			Host:       c.FTPHost,
			User:       c.FTPUser,
			Password:   c.FTPPassword,
			MaxElapsed: c.FetchTimeout,
		},
		S3: archive.S3Config{
			Bucket:     c.S3Bucket,
			Region:     c.S3Region,
			Endpoint:   c.S3Endpoint,
			AccessKey:  c.S3AccessKey,
			SecretKey:  c.S3SecretKey,
			MaxElapsed: c.FetchTimeout,
		},
	}
}

// ObservationArchive describes where real observations are read from, or
// returns false in synthetic mode.
func (c *Config) ObservationArchive() (archive.Options, bool) {
	if c.Synthetic {
		return archive.Options{}, false
	}
	return archive.Options{Kind: "local", Root: c.ObsArchive, CacheSize: c.FetchCacheSize()}, true
}
