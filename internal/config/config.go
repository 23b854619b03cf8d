// Package config maps flags, environment and the config file onto the
// options of a run. Keys are the flag names; the environment uses the SURGE_
// prefix with dashes turned into underscores (SURGE_THINK_TIME).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"surge/internal/clock"
	"surge/internal/httpexec"
	"surge/internal/runner"
	"surge/internal/scenario"
)

const EnvPrefix = "SURGE"

// Keys.
const (
	KeyURL          = "url"
	KeyMethod       = "method"
	KeyBody         = "body"
	KeyHeader       = "header"
	KeyHeaders      = "headers"
	KeyVUs          = "vus"
	KeyDuration     = "duration"
	KeyStage        = "stage"
	KeyStages       = "stages"
	KeyThinkTime    = "think-time"
	KeySleep        = "sleep"
	KeyTimeout      = "timeout"
	KeyMaxConns     = "max-conns"
	KeyRateCap      = "rate-cap"
	KeyInsecure     = "insecure"
	KeyCheckStatus  = "check-status"
	KeyCheckBody    = "check-body"
	KeyChecks       = "checks"
	KeyOut          = "out"
	KeyTUI          = "tui"
	KeyMetricsAddr  = "metrics-addr"
	KeyHistory      = "history"
	KeyHistoryDir   = "history-dir"
	KeyFailOnChecks = "fail-on-checks"
	KeyLogLevel     = "log-level"
	KeyLogFormat    = "log-format"
	KeyLiveInterval = "live-interval"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Output holds everything that only affects how results are reported.
type Output struct {
	Prefix       string
	TUI          bool
	MetricsAddr  string
	History      bool
	HistoryDir   string
	FailOnChecks bool
	LogLevel     string
	LogFormat    string
}

type Config struct {
	Run      runner.RunOptions
	HTTP     httpexec.Config
	Scenario scenario.Definition
	Output   Output
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyMethod, "GET")
	v.SetDefault(KeyVUs, 1)
	v.SetDefault(KeyDuration, 10*time.Second)
	v.SetDefault(KeyTimeout, 10*time.Second)
	v.SetDefault(KeyLiveInterval, 200*time.Millisecond)
	v.SetDefault(KeyLogLevel, "warn")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyHistoryDir, DefaultHistoryDir())
}

// DefaultHistoryDir is $HOME/.surge, or .surge when there is no home.
func DefaultHistoryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".surge"
	}
	return filepath.Join(home, ".surge")
}

// Load reads v into a Config and validates the run options. The scenario is
// validated when it is compiled.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config

	stages, err := loadStages(v)
	if err != nil {
		return cfg, err
	}
	cfg.Run = runner.RunOptions{
		VUs:              v.GetInt(KeyVUs),
		Duration:         v.GetDuration(KeyDuration),
		Stages:           stages,
		ThinkTime:        v.GetDuration(KeyThinkTime),
		MaxIterationRate: v.GetFloat64(KeyRateCap),
		LiveInterval:     v.GetDuration(KeyLiveInterval),
	}
	if err := cfg.Run.Validate(); err != nil {
		return cfg, err
	}

	cfg.HTTP = httpexec.Config{
		Timeout:            v.GetDuration(KeyTimeout),
		MaxConns:           v.GetInt(KeyMaxConns),
		InsecureSkipVerify: v.GetBool(KeyInsecure),
	}
	if cfg.HTTP.Timeout < 0 || cfg.HTTP.MaxConns < 0 {
		return cfg, errors.Wrap(ErrInvalidConfig, "timeout and max-conns must not be negative")
	}

	headers, err := loadHeaders(v)
	if err != nil {
		return cfg, err
	}
	checks, err := loadChecks(v)
	if err != nil {
		return cfg, err
	}
	cfg.Scenario = scenario.Definition{
		Method:  v.GetString(KeyMethod),
		URL:     v.GetString(KeyURL),
		Headers: headers,
		Body:    v.GetString(KeyBody),
		Checks:  checks,
		Sleep:   v.GetDuration(KeySleep),
	}

	cfg.Output = Output{
		Prefix:       v.GetString(KeyOut),
		TUI:          v.GetBool(KeyTUI),
		MetricsAddr:  v.GetString(KeyMetricsAddr),
		History:      v.GetBool(KeyHistory),
		HistoryDir:   v.GetString(KeyHistoryDir),
		FailOnChecks: v.GetBool(KeyFailOnChecks),
		LogLevel:     v.GetString(KeyLogLevel),
		LogFormat:    v.GetString(KeyLogFormat),
	}
	return cfg, nil
}

// ParseStage parses "30s:10", a ramp to 10 VUs over 30 seconds.
func ParseStage(s string) (clock.Stage, error) {
	d, n, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return clock.Stage{}, errors.Wrapf(ErrInvalidConfig, "stage %q: want duration:target", s)
	}
	dur, err := time.ParseDuration(d)
	if err != nil {
		return clock.Stage{}, errors.Wrapf(ErrInvalidConfig, "stage %q: %v", s, err)
	}
	target, err := strconv.Atoi(n)
	if err != nil {
		return clock.Stage{}, errors.Wrapf(ErrInvalidConfig, "stage %q: %v", s, err)
	}
	return clock.Stage{Target: target, Duration: dur}, nil
}

// loadStages prefers --stage flags over a stages list in the config file.
func loadStages(v *viper.Viper) ([]clock.Stage, error) {
	var stages []clock.Stage
	for _, s := range v.GetStringSlice(KeyStage) {
		st, err := ParseStage(s)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	if len(stages) > 0 || !v.IsSet(KeyStages) {
		return stages, nil
	}
	if err := v.UnmarshalKey(KeyStages, &stages); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "stages: %v", err)
	}
	return stages, nil
}

// loadHeaders merges the headers map from the config file with "Key: Value"
// flags; flags win.
func loadHeaders(v *viper.Viper) (map[string]string, error) {
	headers := make(map[string]string)
	for k, val := range v.GetStringMapString(KeyHeaders) {
		headers[k] = val
	}
	for _, h := range v.GetStringSlice(KeyHeader) {
		k, val, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.Wrapf(ErrInvalidConfig, "header %q: want \"Key: Value\"", h)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return headers, nil
}

func loadChecks(v *viper.Viper) ([]scenario.CheckDef, error) {
	var checks []scenario.CheckDef
	if v.IsSet(KeyChecks) {
		if err := v.UnmarshalKey(KeyChecks, &checks); err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "checks: %v", err)
		}
	}
	for _, code := range v.GetIntSlice(KeyCheckStatus) {
		checks = append(checks, scenario.CheckDef{Type: scenario.CheckStatus, Status: code})
	}
	for _, s := range v.GetStringSlice(KeyCheckBody) {
		checks = append(checks, scenario.CheckDef{Type: scenario.CheckBodyContains, Contains: s})
	}
	return checks, nil
}
