package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Edit     EditConfig    `mapstructure:"edit"`
	Output   OutputConfig  `mapstructure:"output"`
	LogLevel string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelDir      string `mapstructure:"model_dir"`
	TokenizerPath string `mapstructure:"tokenizer_path"`
}

// GraphManifest is the path of the ONNX graph manifest inside the bundle.
func (p PathsConfig) GraphManifest() string {
	return filepath.Join(p.ModelDir, "manifest.json")
}

// Tokenizer resolves the sentencepiece model path, defaulting to the copy
// shipped in the bundle.
func (p PathsConfig) Tokenizer() string {
	if p.TokenizerPath != "" {
		return p.TokenizerPath
	}
	return filepath.Join(p.ModelDir, "tokenizer.model")
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

// EditConfig carries the edit defaults; the edit command's flags override
// them per invocation.
type EditConfig struct {
	Steps          int     `mapstructure:"steps"`
	Strength       float64 `mapstructure:"strength"`
	GuidanceScale  float64 `mapstructure:"guidance_scale"`
	Mode           string  `mapstructure:"mode"`
	NegativePrompt string  `mapstructure:"negative_prompt"`
	Duration       float64 `mapstructure:"duration"`
}

// OutputConfig toggles waveform post-processing applied after vocoding.
type OutputConfig struct {
	Normalize bool    `mapstructure:"normalize"`
	DCBlock   bool    `mapstructure:"dc_block"`
	FadeInMS  float64 `mapstructure:"fade_in_ms"`
	FadeOutMS float64 `mapstructure:"fade_out_ms"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelDir:      "models",
			TokenizerPath: "",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			InterOpThreads: 1,
			ORTLibraryPath: "",
			ORTVersion:     "",
		},
		Edit: EditConfig{
			Steps:          50,
			Strength:       0.7,
			GuidanceScale:  3.5,
			Mode:           "noise",
			NegativePrompt: "",
			Duration:       10.24,
		},
		Output: OutputConfig{
			Normalize: false,
			DCBlock:   false,
			FadeInMS:  0,
			FadeOutMS: 0,
		},
		LogLevel: "info",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-dir", defaults.Paths.ModelDir, "Directory holding the ONNX bundle (graphs + manifest.json + tokenizer.model)")
	fs.String("paths-tokenizer-path", defaults.Paths.TokenizerPath, "Path to sentencepiece tokenizer model (default: <model-dir>/tokenizer.model)")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "ONNX Runtime inter-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Int("edit-steps", defaults.Edit.Steps, "Default inference step count")
	fs.Float64("edit-strength", defaults.Edit.Strength, "Default transfer strength in (0, 1]")
	fs.Float64("edit-guidance-scale", defaults.Edit.GuidanceScale, "Default guidance scale (>1 enables classifier-free guidance)")
	fs.String("edit-mode", defaults.Edit.Mode, "Default transfer mode (noise|inversion)")
	fs.String("edit-negative-prompt", defaults.Edit.NegativePrompt, "Default negative caption for the unconditional branch")
	fs.Float64("edit-duration", defaults.Edit.Duration, "Default output duration in seconds")
	fs.Bool("output-normalize", defaults.Output.Normalize, "Peak-normalize output audio by default")
	fs.Bool("output-dc-block", defaults.Output.DCBlock, "Apply DC-block high-pass filter by default")
	fs.Float64("output-fade-in-ms", defaults.Output.FadeInMS, "Default fade-in duration in milliseconds")
	fs.Float64("output-fade-out-ms", defaults.Output.FadeOutMS, "Default fade-out duration in milliseconds")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("AUDIOEDIT")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "AUDIOEDIT_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("audioedit")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// ParseLogLevel maps a config/flag string to a slog level. Empty means Info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_dir", c.Paths.ModelDir)
	v.SetDefault("paths.tokenizer_path", c.Paths.TokenizerPath)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("edit.steps", c.Edit.Steps)
	v.SetDefault("edit.strength", c.Edit.Strength)
	v.SetDefault("edit.guidance_scale", c.Edit.GuidanceScale)
	v.SetDefault("edit.mode", c.Edit.Mode)
	v.SetDefault("edit.negative_prompt", c.Edit.NegativePrompt)
	v.SetDefault("edit.duration", c.Edit.Duration)
	v.SetDefault("output.normalize", c.Output.Normalize)
	v.SetDefault("output.dc_block", c.Output.DCBlock)
	v.SetDefault("output.fade_in_ms", c.Output.FadeInMS)
	v.SetDefault("output.fade_out_ms", c.Output.FadeOutMS)
	v.SetDefault("log_level", c.LogLevel)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("paths.model_dir", "paths-model-dir")
	v.RegisterAlias("paths.tokenizer_path", "paths-tokenizer-path")
	v.RegisterAlias("runtime.threads", "runtime-threads")
	v.RegisterAlias("runtime.inter_op_threads", "runtime-inter-op-threads")
	v.RegisterAlias("runtime.ort_library_path", "runtime-ort-library-path")
	v.RegisterAlias("runtime.ort_library_path", "ort-lib")
	v.RegisterAlias("runtime.ort_version", "runtime-ort-version")
	v.RegisterAlias("edit.steps", "edit-steps")
	v.RegisterAlias("edit.strength", "edit-strength")
	v.RegisterAlias("edit.guidance_scale", "edit-guidance-scale")
	v.RegisterAlias("edit.mode", "edit-mode")
	v.RegisterAlias("edit.negative_prompt", "edit-negative-prompt")
	v.RegisterAlias("edit.duration", "edit-duration")
	v.RegisterAlias("output.normalize", "output-normalize")
	v.RegisterAlias("output.dc_block", "output-dc-block")
	v.RegisterAlias("output.fade_in_ms", "output-fade-in-ms")
	v.RegisterAlias("output.fade_out_ms", "output-fade-out-ms")
	v.RegisterAlias("log_level", "log-level")
}
