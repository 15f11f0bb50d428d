package model

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogDiscard = "discard"

	// EnvExecutable overrides the engine executable when no explicit path is configured.
	EnvExecutable = "GAP_EXECUTABLE"
	// EnvConfig points to the configuration file and wins over --config.
	EnvConfig = "GAPDCONFIG"
)

// Defaults applied when the configuration leaves a field out.
const (
	DefaultStartupTimeout = 60 * time.Second
	DefaultStopTimeout    = 3 * time.Second
	DefaultTimeout        = 30 * time.Second
	DefaultHeavyTimeout   = 60 * time.Second
	DefaultStderrLines    = 200
	DefaultSizeLimit      = 10000
	DefaultElementsLimit  = 12
	DefaultHealthEvery    = 30 * time.Second
	DefaultMetricsAddr    = "127.0.0.1:9464"
)

// DefaultArgs suppress the banner and the interactive prompts of GAP.
var DefaultArgs = []string{"-q"}

// DefaultInit is sent once after spawn, before the readiness check. With
// BreakOnError disabled a failing statement returns to the main loop instead
// of nesting a break loop. Print formatting would wrap long lines, including
// the sentinel, so it is switched off on both streams.
var DefaultInit = []string{
	"BreakOnError := false;",
	`SetPrintFormattingStatus("*stdout*", false);`,
	`SetPrintFormattingStatus("*errout*", false);`,
}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int      `json:"version" yaml:"version"` // fixed 0 for now
	Engine  *Engine  `json:"engine,omitempty" yaml:"engine,omitempty"`
	Tools   *Tools   `json:"tools,omitempty" yaml:"tools,omitempty"`
	Health  *Health  `json:"health,omitempty" yaml:"health,omitempty"`
	Metrics *Metrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Service Service  `json:"service" yaml:"service"`
}

// Engine describes how the GAP process is located, started and stopped.
type Engine struct {
	Executable     *string           `json:"executable,omitempty" yaml:"executable,omitempty"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"` // nil => -q
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Init           []string          `json:"init,omitempty" yaml:"init,omitempty"` // nil => DefaultInit
	StartupTimeout *string           `json:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty"`
	StopTimeout    *string           `json:"stop_timeout,omitempty" yaml:"stop_timeout,omitempty"`
	DefaultTimeout *string           `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`
	StderrLines    *int              `json:"stderr_lines,omitempty" yaml:"stderr_lines,omitempty"`
}

// Tools tunes the caller-facing operations.
type Tools struct {
	DefaultTimeout *string `json:"default_timeout,omitempty" yaml:"default_timeout,omitempty"`
	HeavyTimeout   *string `json:"heavy_timeout,omitempty" yaml:"heavy_timeout,omitempty"`
	SizeLimit      *int    `json:"size_limit,omitempty" yaml:"size_limit,omitempty"`
	ElementsLimit  *int    `json:"elements_limit,omitempty" yaml:"elements_limit,omitempty"`
}

// Health configures the background session supervisor. Cron wins over Duration.
type Health struct {
	Enabled  *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Prestart *bool   `json:"prestart,omitempty" yaml:"prestart,omitempty"`
	Cron     *string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration *string `json:"duration,omitempty" yaml:"duration,omitempty"`
	MaxAge   *string `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

type Metrics struct {
	Enabled *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Addr    *string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"discard"|path
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is written to disk when no configuration file exists.
func DefaultConfig(ctx context.Context) Config {
	cfg := Config{
		Version: 0,
		Engine: &Engine{
			Args:           append([]string(nil), DefaultArgs...),
			Init:           append([]string(nil), DefaultInit...),
			StartupTimeout: ptr("1m"),
			StopTimeout:    ptr("3s"),
			DefaultTimeout: ptr("30s"),
			StderrLines:    ptr(DefaultStderrLines),
		},
		Tools: &Tools{
			DefaultTimeout: ptr("30s"),
			HeavyTimeout:   ptr("1m"),
			SizeLimit:      ptr(DefaultSizeLimit),
			ElementsLimit:  ptr(DefaultElementsLimit),
		},
		Health: &Health{
			Enabled:  ptr(true),
			Prestart: ptr(false),
			Duration: ptr("30s"),
		},
		Service: Service{
			Verbose: ptr(false),
			Log:     ptr(LogStderr),
		},
	}
	slog.DebugContext(ctx, "default configuration created")
	return cfg
}

// StartupTimeoutOr bounds the readiness check.
func (e *Engine) StartupTimeoutOr() time.Duration {
	if e == nil {
		return DefaultStartupTimeout
	}
	return durationOr(e.StartupTimeout, DefaultStartupTimeout)
}

// StopTimeoutOr is the grace period between SIGTERM and SIGKILL.
func (e *Engine) StopTimeoutOr() time.Duration {
	if e == nil {
		return DefaultStopTimeout
	}
	return durationOr(e.StopTimeout, DefaultStopTimeout)
}

func (e *Engine) DefaultTimeoutOr() time.Duration {
	if e == nil {
		return DefaultTimeout
	}
	return durationOr(e.DefaultTimeout, DefaultTimeout)
}

func (e *Engine) StderrLinesOr() int {
	if e == nil || e.StderrLines == nil {
		return DefaultStderrLines
	}
	return *e.StderrLines
}

func (e *Engine) ArgsOr() []string {
	if e == nil || e.Args == nil {
		return append([]string(nil), DefaultArgs...)
	}
	return append([]string(nil), e.Args...)
}

func (e *Engine) InitOr() []string {
	if e == nil || e.Init == nil {
		return append([]string(nil), DefaultInit...)
	}
	return append([]string(nil), e.Init...)
}

// EnvList renders Env as KEY=value pairs, expanding values starting with $.
func (e *Engine) EnvList() []string {
	if e == nil {
		return nil
	}
	env := make([]string, 0, len(e.Env))
	for k, v := range e.Env {
		if len(v) > 0 && v[0] == '$' {
			v = os.ExpandEnv(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}

func (t *Tools) DefaultTimeoutOr() time.Duration {
	if t == nil {
		return DefaultTimeout
	}
	return durationOr(t.DefaultTimeout, DefaultTimeout)
}

func (t *Tools) HeavyTimeoutOr() time.Duration {
	if t == nil {
		return DefaultHeavyTimeout
	}
	return durationOr(t.HeavyTimeout, DefaultHeavyTimeout)
}

func (t *Tools) SizeLimitOr() int {
	if t == nil || t.SizeLimit == nil {
		return DefaultSizeLimit
	}
	return *t.SizeLimit
}

func (t *Tools) ElementsLimitOr() int {
	if t == nil || t.ElementsLimit == nil {
		return DefaultElementsLimit
	}
	return *t.ElementsLimit
}

// EnabledOr reports whether the health supervisor runs; it does by default.
func (h *Health) EnabledOr() bool {
	if h == nil || h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// PrestartOr reports whether the engine is started before the first request.
func (h *Health) PrestartOr() bool {
	if h == nil {
		return false
	}
	return Get(h.Prestart)
}

// MaxAgeOr is the age after which an idle session is recycled; 0 disables it.
func (h *Health) MaxAgeOr() time.Duration {
	if h == nil {
		return 0
	}
	return durationOr(h.MaxAge, 0)
}

// EnabledOr reports whether the metrics listener runs; it does not by default.
func (m *Metrics) EnabledOr() bool {
	if m == nil {
		return false
	}
	return Get(m.Enabled)
}

func (m *Metrics) AddrOr() string {
	if m == nil || m.Addr == nil {
		return DefaultMetricsAddr
	}
	return *m.Addr
}

func durationOr(s *string, dflt time.Duration) time.Duration {
	if s == nil {
		return dflt
	}
	d, err := ParseCueDuration(*s)
	if err != nil || d <= 0 {
		return dflt
	}
	return d
}

// Get dereferences an optional config value.
func Get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func ptr[T any](v T) *T {
	return &v
}
