// Package config loads the reconciler settings from defaults, an optional
// YAML file, RECONCILER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ledger-reconciliation-service/internal/anomaly"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/parsers"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/internal/server"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// EnvPrefix prefixes every environment override, e.g.
// RECONCILER_MATCHING_AMOUNT_TOLERANCE.
const EnvPrefix = "RECONCILER"

// Settings is the complete file/env configuration
type Settings struct {
	Matching MatchingSettings `mapstructure:"matching" yaml:"matching"`
	Anomaly  anomaly.Config   `mapstructure:"anomaly" yaml:"anomaly"`
	Parsing  ParsingSettings  `mapstructure:"parsing" yaml:"parsing"`
	Report   ReportSettings   `mapstructure:"report" yaml:"report"`
	Log      logger.Config    `mapstructure:"log" yaml:"log"`
	Server   server.Config    `mapstructure:"server" yaml:"server"`
	Store    StoreSettings    `mapstructure:"store" yaml:"store"`
}

// MatchingSettings carries amounts as strings so they reach decimal.Decimal
// without a float round trip.
type MatchingSettings struct {
	AmountTolerance       string `mapstructure:"amount_tolerance" yaml:"amount_tolerance"`
	MaxMismatchDifference string `mapstructure:"max_mismatch_difference" yaml:"max_mismatch_difference"`
}

type ParsingSettings struct {
	Delimiter           string `mapstructure:"delimiter" yaml:"delimiter"`
	AllowUnknownColumns bool   `mapstructure:"allow_unknown_columns" yaml:"allow_unknown_columns"`
}

type ReportSettings struct {
	MaxItems       int  `mapstructure:"max_items" yaml:"max_items"`
	IncludeMatched bool `mapstructure:"include_matched" yaml:"include_matched"`
}

// StoreSettings locates the SQLite result store. An empty path disables it.
type StoreSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DefaultSettings returns the built-in configuration
func DefaultSettings() *Settings {
	match := matcher.DefaultMatchingConfig()
	report := reporter.DefaultReportConfig()
	return &Settings{
		Matching: MatchingSettings{
			AmountTolerance:       match.AmountTolerance.StringFixed(2),
			MaxMismatchDifference: match.MaxMismatchDifference.String(),
		},
		Anomaly:  *anomaly.DefaultConfig(),
		Parsing:  ParsingSettings{Delimiter: ","},
		Report:   ReportSettings{MaxItems: report.MaxItems},
		Log:      *logger.DefaultConfig(),
		Server:   *server.DefaultConfig(),
		Store:    StoreSettings{},
	}
}

// SetDefaults registers every key with v so environment variables can
// override keys that no config file mentions.
func SetDefaults(v *viper.Viper) {
	d := DefaultSettings()

	v.SetDefault("matching.amount_tolerance", d.Matching.AmountTolerance)
	v.SetDefault("matching.max_mismatch_difference", d.Matching.MaxMismatchDifference)

	v.SetDefault("anomaly.z_score_threshold", d.Anomaly.ZScoreThreshold)
	v.SetDefault("anomaly.iqr_multiplier", d.Anomaly.IQRMultiplier)
	v.SetDefault("anomaly.enable_ml", d.Anomaly.EnableML)
	v.SetDefault("anomaly.min_ml_samples", d.Anomaly.MinMLSamples)
	v.SetDefault("anomaly.contamination", d.Anomaly.Contamination)
	v.SetDefault("anomaly.trees", d.Anomaly.Trees)
	v.SetDefault("anomaly.subsample_size", d.Anomaly.SubsampleSize)
	v.SetDefault("anomaly.nu", d.Anomaly.Nu)
	v.SetDefault("anomaly.max_svm_samples", d.Anomaly.MaxSVMSamples)
	v.SetDefault("anomaly.seed", d.Anomaly.Seed)
	v.SetDefault("anomaly.workers", d.Anomaly.Workers)

	v.SetDefault("parsing.delimiter", d.Parsing.Delimiter)
	v.SetDefault("parsing.allow_unknown_columns", d.Parsing.AllowUnknownColumns)

	v.SetDefault("report.max_items", d.Report.MaxItems)
	v.SetDefault("report.include_matched", d.Report.IncludeMatched)

	v.SetDefault("log.level", string(d.Log.Level))
	v.SetDefault("log.format", string(d.Log.Format))
	v.SetDefault("log.output", string(d.Log.Output))
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.disable_timestamp", d.Log.DisableTimestamp)
	v.SetDefault("log.caller_info", d.Log.CallerInfo)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("store.path", d.Store.Path)
}

// Configure prepares v for environment overrides and registers defaults
func Configure(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// ReadFile merges the YAML file at path into v
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return errors.FileError(errors.CodeFileNotFound, path, err)
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "config_file", path, err).
			WithSuggestion("Check the YAML syntax of the configuration file")
	}
	return nil
}

// Load decodes and validates the effective settings held by v
func Load(v *viper.Viper) (*Settings, error) {
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "settings", nil, err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks every section of the settings
func (s *Settings) Validate() error {
	if _, err := s.MatchingConfig(); err != nil {
		return err
	}
	if err := s.Anomaly.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "anomaly", nil, err)
	}
	if _, err := s.ParseConfig(); err != nil {
		return err
	}
	if s.Report.MaxItems < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "report.max_items", s.Report.MaxItems,
			fmt.Errorf("must not be negative"))
	}
	if err := s.Log.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "log", nil, err)
	}
	if s.Server.MaxUploadBytes <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "server.max_upload_bytes", s.Server.MaxUploadBytes,
			fmt.Errorf("must be positive"))
	}
	return nil
}

// MatchingConfig converts the matching section
func (s *Settings) MatchingConfig() (*matcher.MatchingConfig, error) {
	tolerance, err := parseAmount("matching.amount_tolerance", s.Matching.AmountTolerance)
	if err != nil {
		return nil, err
	}
	maxMismatch, err := parseAmount("matching.max_mismatch_difference", s.Matching.MaxMismatchDifference)
	if err != nil {
		return nil, err
	}

	config := &matcher.MatchingConfig{
		AmountTolerance:       tolerance,
		MaxMismatchDifference: maxMismatch,
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "matching", config.String(), err)
	}
	return config, nil
}

// ParseConfig converts the parsing section
func (s *Settings) ParseConfig() (*parsers.ParseConfig, error) {
	config := parsers.DefaultParseConfig()
	config.AllowUnknownColumns = s.Parsing.AllowUnknownColumns

	if s.Parsing.Delimiter != "" {
		if utf8.RuneCountInString(s.Parsing.Delimiter) != 1 {
			return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parsing.delimiter", s.Parsing.Delimiter,
				fmt.Errorf("delimiter must be a single character"))
		}
		config.Delimiter, _ = utf8.DecodeRuneInString(s.Parsing.Delimiter)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parsing.delimiter", s.Parsing.Delimiter, err)
	}
	return config, nil
}

// ReconcilerConfig builds the service configuration
func (s *Settings) ReconcilerConfig(skipAnomalies bool) (*reconciler.Config, error) {
	matching, err := s.MatchingConfig()
	if err != nil {
		return nil, err
	}
	parsing, err := s.ParseConfig()
	if err != nil {
		return nil, err
	}
	detector := s.Anomaly

	return &reconciler.Config{
		Matching:      matching,
		Anomaly:       &detector,
		Parsing:       parsing,
		SkipAnomalies: skipAnomalies,
	}, nil
}

// ReportConfig builds the report configuration for format
func (s *Settings) ReportConfig(format string) (*reporter.ReportConfig, error) {
	config := reporter.DefaultReportConfig()
	config.Format = reporter.OutputFormat(strings.ToLower(format))
	config.MaxItems = s.Report.MaxItems
	config.IncludeMatchedResults = s.Report.IncludeMatched

	if config.Format == reporter.FormatJSON || config.Format == reporter.FormatCSV {
		config.IncludeMatchedResults = true
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "output_format", format, err).
			WithSuggestion("Use one of: console, json, csv")
	}
	return config, nil
}

// YAML renders the settings as a config file
func (s *Settings) YAML() ([]byte, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "marshal_settings", err)
	}
	return out, nil
}

// WriteDefaults writes the built-in settings to path. An existing file is
// only replaced when overwrite is set.
func WriteDefaults(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return errors.ConfigurationError(errors.CodeInvalidConfig, "config_file", path,
				fmt.Errorf("file already exists")).
				WithSuggestion("Pass --force to overwrite it")
		}
	}

	out, err := DefaultSettings().YAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return errors.FileError(errors.CodeFilePermission, path, err)
	}
	return nil
}

func parseAmount(setting, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errors.ConfigurationError(errors.CodeInvalidConfig, setting, raw, err).
			WithSuggestion("Use a plain decimal such as 0.01")
	}
	return d, nil
}
