// Package config loads engine settings from a config file, PLANGATE_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ppiankov/plangate/internal/alert"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PLANGATE"

// Settings are the engine and CLI settings. Rule-sets are configured separately.
type Settings struct {
	RuleSet       string         `mapstructure:"ruleset"`
	Workers       int            `mapstructure:"workers" validate:"gte=0"`
	Timeout       time.Duration  `mapstructure:"timeout" validate:"gte=0"`
	Format        string         `mapstructure:"format" validate:"oneof=text json"`
	AuditLog      string         `mapstructure:"audit_log"`
	HistoryDriver string         `mapstructure:"history_driver" validate:"oneof=sqlite postgres"`
	HistoryDSN    string         `mapstructure:"history_dsn"`
	LogLevel      string         `mapstructure:"log_level" validate:"oneof=trace debug info warn error disabled"`
	GRPCAddr      string         `mapstructure:"grpc_addr"`
	HTTPAddr      string         `mapstructure:"http_addr"`
	Alerts        []alert.Config `mapstructure:"alerts" validate:"dive"`
}

// Defaults returns the settings used when nothing else is configured.
func Defaults() Settings {
	return Settings{
		Format:        "text",
		HistoryDriver: "sqlite",
		LogLevel:      "warn",
		GRPCAddr:      "127.0.0.1:9743",
		HTTPAddr:      "127.0.0.1:9744",
	}
}

// keys lists every scalar setting. Flags bind to the same name with dashes.
var keys = []string{
	"ruleset", "workers", "timeout", "format", "audit_log",
	"history_driver", "history_dsn", "log_level", "grpc_addr", "http_addr",
}

// Load reads settings. path may be empty (no config file). flags may be nil;
// only flags the user changed override file and environment values.
func Load(path string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()

	d := Defaults()
	v.SetDefault("format", d.Format)
	v.SetDefault("history_driver", d.HistoryDriver)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("grpc_addr", d.GRPCAddr)
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("workers", 0)
	v.SetDefault("timeout", "0s")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for _, k := range keys {
			f := flags.Lookup(strings.ReplaceAll(k, "_", "-"))
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(k, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	s.LogLevel = strings.ToLower(s.LogLevel)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks field ranges and enumerations.
func (s *Settings) Validate() error {
	err := validator.New().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %q fails %s %s", fe.Namespace(), fmt.Sprint(fe.Value()), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
