package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Model        ModelConfig        `yaml:"model"`
	Dataset      DatasetConfig      `yaml:"dataset"`
	Continuation ContinuationConfig `yaml:"continuation"`
	Train        TrainConfig        `yaml:"train"`
	Solver       SolverConfig       `yaml:"solver"`
	Loss         LossConfig         `yaml:"loss"`
	Saver        SaverConfig        `yaml:"saver"`
	Eval         EvalConfig         `yaml:"eval"`
	AMP          AMPConfig          `yaml:"amp"`
	Log          LogConfig          `yaml:"log"`
}

type ModelConfig struct {
	Device       string `yaml:"device"`
	InputDim     int    `yaml:"input_dim"`
	EmbeddingDim int    `yaml:"embedding_dim"`
	Seed         int64  `yaml:"seed"`
}

// DatasetConfig describes a synthetic identity dataset.
type DatasetConfig struct {
	Name               string  `yaml:"name"`
	Identities         int     `yaml:"identities"`
	SamplesPerIdentity int     `yaml:"samples_per_identity"`
	QueryPerIdentity   int     `yaml:"query_per_identity"`
	Noise              float64 `yaml:"noise"`
	Seed               int64   `yaml:"seed"`
}

type ContinuationConfig struct {
	SourceRun string        `yaml:"source_run"`
	Dataset   DatasetConfig `yaml:"dataset"`
}

type TrainConfig struct {
	MaxEpochs     int  `yaml:"max_epochs"`
	LogIterPeriod int  `yaml:"log_iter_period"`
	BatchSize     int  `yaml:"batch_size"`
	Resume        bool `yaml:"resume"`
}

type SolverConfig struct {
	Optimizer    string  `yaml:"optimizer"`
	BaseLR       float64 `yaml:"base_lr"`
	Momentum     float64 `yaml:"momentum"`
	WeightDecay  float64 `yaml:"weight_decay"`
	LRPolicy     string  `yaml:"lr_policy"`
	Steps        []int   `yaml:"steps"`
	Gamma        float64 `yaml:"gamma"`
	WarmupFactor float64 `yaml:"warmup_factor"`
	WarmupEpochs int     `yaml:"warmup_epochs"`
}

type LossConfig struct {
	Xent          XentConfig    `yaml:"xent"`
	Triplet       TripletConfig `yaml:"triplet"`
	Center        CenterConfig  `yaml:"center"`
	Distill       DistillConfig `yaml:"distill"`
	UncertaintyLR float64       `yaml:"uncertainty_lr"`
}

type XentConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Epsilon        float64 `yaml:"epsilon"`
	LearningWeight bool    `yaml:"learning_weight"`
}

type TripletConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Margin         float64 `yaml:"margin"`
	LearningWeight bool    `yaml:"learning_weight"`
}

type CenterConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Weight         float64 `yaml:"weight"`
	LR             float64 `yaml:"lr"`
	LearningWeight bool    `yaml:"learning_weight"`
}

type DistillConfig struct {
	Enabled bool    `yaml:"enabled"`
	Weight  float64 `yaml:"weight"`
}

type SaverConfig struct {
	Store            string `yaml:"store"`
	Path             string `yaml:"path"`
	Prefix           string `yaml:"prefix"`
	NSaved           int    `yaml:"n_saved"`
	CheckpointPeriod int    `yaml:"checkpoint_period"`
	ArtifactsDir     string `yaml:"artifacts_dir"`
}

type EvalConfig struct {
	EpochPeriod int                `yaml:"epoch_period"`
	BeforeTrain bool               `yaml:"before_train"`
	Metric      string             `yaml:"metric"`
	Weights     map[string]float64 `yaml:"weights"`
}

type AMPConfig struct {
	Enabled bool    `yaml:"enabled"`
	Scale   float64 `yaml:"scale"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Model: ModelConfig{Device: "cpu", InputDim: 16, EmbeddingDim: 8, Seed: 1},
		Dataset: DatasetConfig{
			Name:               "market",
			Identities:         8,
			SamplesPerIdentity: 8,
			QueryPerIdentity:   2,
			Noise:              0.3,
			Seed:               11,
		},
		Continuation: ContinuationConfig{
			Dataset: DatasetConfig{
				Name:               "duke",
				Identities:         6,
				SamplesPerIdentity: 8,
				QueryPerIdentity:   2,
				Noise:              0.3,
				Seed:               23,
			},
		},
		Train: TrainConfig{MaxEpochs: 10, LogIterPeriod: 5, BatchSize: 16},
		Solver: SolverConfig{
			Optimizer:    "sgd",
			BaseLR:       0.05,
			Momentum:     0.9,
			WeightDecay:  5e-4,
			LRPolicy:     "warmup_multistep",
			Steps:        []int{6, 9},
			Gamma:        0.1,
			WarmupFactor: 0.1,
			WarmupEpochs: 2,
		},
		Loss: LossConfig{
			Xent:          XentConfig{Enabled: true, Epsilon: 0.1},
			Triplet:       TripletConfig{Enabled: true, Margin: 0.3},
			Center:        CenterConfig{Enabled: false, Weight: 5e-4, LR: 0.5},
			Distill:       DistillConfig{Enabled: true, Weight: 1.0},
			UncertaintyLR: 0.01,
		},
		Saver: SaverConfig{
			Store:            "file",
			Path:             "checkpoints",
			Prefix:           "reid",
			NSaved:           3,
			CheckpointPeriod: 2,
			ArtifactsDir:     "runs",
		},
		Eval: EvalConfig{EpochPeriod: 2, BeforeTrain: true, Metric: "rank1_map"},
		AMP:  AMPConfig{Enabled: false, Scale: 128},
		Log:  LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads a YAML file over the defaults; keys absent from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c Config) Validate() error {
	if c.Model.Device != "cpu" {
		return invalid("unsupported device %q", c.Model.Device)
	}
	if c.Model.InputDim <= 0 || c.Model.EmbeddingDim <= 0 {
		return invalid("model dims must be > 0")
	}
	for _, ds := range []DatasetConfig{c.Dataset, c.Continuation.Dataset} {
		if err := ds.validate(); err != nil {
			return err
		}
	}
	if c.Train.MaxEpochs <= 0 {
		return invalid("train.max_epochs must be > 0")
	}
	if c.Train.LogIterPeriod <= 0 {
		return invalid("train.log_iter_period must be > 0")
	}
	if c.Train.BatchSize <= 0 {
		return invalid("train.batch_size must be > 0")
	}
	if c.Solver.BaseLR <= 0 {
		return invalid("solver.base_lr must be > 0")
	}
	if c.Solver.Momentum < 0 || c.Solver.WeightDecay < 0 {
		return invalid("solver.momentum and solver.weight_decay must be >= 0")
	}
	l := c.Loss
	if !l.Xent.Enabled && !l.Triplet.Enabled && !l.Center.Enabled && !l.Distill.Enabled {
		return invalid("at least one loss term must be enabled")
	}
	if l.Xent.Epsilon < 0 || l.Xent.Epsilon >= 1 {
		return invalid("loss.xent.epsilon must be in [0, 1)")
	}
	if l.Center.Enabled && l.Center.LR <= 0 {
		return invalid("loss.center.lr must be > 0")
	}
	if (l.Xent.LearningWeight || l.Triplet.LearningWeight || l.Center.LearningWeight) && l.UncertaintyLR <= 0 {
		return invalid("loss.uncertainty_lr must be > 0 when a learned weight is enabled")
	}
	if c.Saver.NSaved <= 0 {
		return invalid("saver.n_saved must be > 0")
	}
	if c.Saver.CheckpointPeriod <= 0 {
		return invalid("saver.checkpoint_period must be > 0")
	}
	if c.Eval.EpochPeriod <= 0 {
		return invalid("eval.epoch_period must be > 0")
	}
	for name, w := range c.Eval.Weights {
		if w < 0 {
			return invalid("eval.weights[%s] must be >= 0", name)
		}
	}
	if c.AMP.Enabled && c.AMP.Scale <= 0 {
		return invalid("amp.scale must be > 0")
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		return invalid("log.format must be auto, text or json")
	}
	return nil
}

func (d DatasetConfig) validate() error {
	if d.Name == "" {
		return invalid("dataset name is required")
	}
	if d.Identities < 2 {
		return invalid("dataset %s needs at least 2 identities", d.Name)
	}
	if d.SamplesPerIdentity < 2 {
		return invalid("dataset %s needs at least 2 samples per identity", d.Name)
	}
	if d.QueryPerIdentity < 1 || d.QueryPerIdentity >= d.SamplesPerIdentity {
		return invalid("dataset %s query_per_identity must be in [1, samples_per_identity)", d.Name)
	}
	return nil
}
