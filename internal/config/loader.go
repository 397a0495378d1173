package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero [Config], which is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	errs = appendNegative(errs, "server.ws_read_limit_bytes", cfg.Server.WSReadLimitBytes)
	errs = appendNegative(errs, "server.ws_write_timeout", cfg.Server.WSWriteTimeout)
	errs = appendNegative(errs, "server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Store
	errs = appendNegative(errs, "store.retry_attempts", cfg.Store.RetryAttempts)
	errs = appendNegative(errs, "store.retry_backoff", cfg.Store.RetryBackoff)
	errs = appendNegative(errs, "store.breaker.max_failures", cfg.Store.Breaker.MaxFailures)
	errs = appendNegative(errs, "store.breaker.reset_timeout", cfg.Store.Breaker.ResetTimeout)
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; sessions are kept in memory and lost on restart")
		if cfg.Store.FallbackMemory {
			slog.Warn("store.fallback_memory has no effect without store.postgres_dsn")
		}
	}

	// Report
	if cfg.Report.Enabled {
		if cfg.Report.Provider.Name == "" {
			errs = append(errs, errors.New("report.provider.name is required when report.enabled is true"))
		}
		validateProviderName("report.provider", cfg.Report.Provider.Name)
		validateProviderName("report.fallback", cfg.Report.Fallback.Name)
	}
	errs = appendNegative(errs, "report.timeout", cfg.Report.Timeout)
	errs = appendNegative(errs, "report.concurrency", cfg.Report.Concurrency)
	errs = appendNegative(errs, "report.max_transcript_chars", cfg.Report.MaxTranscriptChars)
	errs = appendNegative(errs, "report.max_tokens", cfg.Report.MaxTokens)

	// Drill
	d := cfg.Drill
	errs = appendNegative(errs, "drill.default_duration_sec", d.DefaultDurationSec)
	errs = appendNegative(errs, "drill.max_duration_sec", d.MaxDurationSec)
	errs = appendNegative(errs, "drill.countdown_broadcast_every", d.CountdownBroadcastEvery)
	errs = appendNegative(errs, "drill.inbox_size", d.InboxSize)
	errs = appendNegative(errs, "drill.outbox_size", d.OutboxSize)
	errs = appendNegative(errs, "drill.persist_timeout", d.PersistTimeout)
	if d.DefaultDurationSec > 0 && d.MaxDurationSec > 0 && d.DefaultDurationSec > d.MaxDurationSec {
		errs = append(errs, fmt.Errorf("drill.default_duration_sec %d exceeds drill.max_duration_sec %d", d.DefaultDurationSec, d.MaxDurationSec))
	}

	a := d.Analyzer
	errs = appendNegative(errs, "drill.analyzer.window_size", a.WindowSize)
	errs = appendNegative(errs, "drill.analyzer.calibration_ms", a.CalibrationMs)
	errs = appendNegative(errs, "drill.analyzer.min_calibration_frames", a.MinCalibrationFrames)
	errs = appendNegative(errs, "drill.analyzer.pitch_variance_weight", a.PitchVarianceWeight)
	errs = appendNegative(errs, "drill.analyzer.long_pause_ms", a.LongPauseMs)
	errs = appendNegative(errs, "drill.analyzer.abandonment_pause_ms", a.AbandonmentPauseMs)
	errs = appendNegative(errs, "drill.analyzer.decline_multiplier", a.DeclineMultiplier)
	if a.LongPauseMs > 0 && a.AbandonmentPauseMs > 0 && a.AbandonmentPauseMs < a.LongPauseMs {
		errs = append(errs, fmt.Errorf("drill.analyzer.abandonment_pause_ms %d is below long_pause_ms %d", a.AbandonmentPauseMs, a.LongPauseMs))
	}

	p := d.Pressure
	errs = appendNegative(errs, "drill.pressure.grace_ms", p.GraceMs)
	errs = appendNegative(errs, "drill.pressure.min_gap_ms", p.MinGapMs)
	errs = appendNegative(errs, "drill.pressure.base_gap_ms", p.BaseGapMs)
	errs = appendNegative(errs, "drill.pressure.gap_step_ms", p.GapStepMs)
	errs = appendNegative(errs, "drill.pressure.min_words", p.MinWords)
	errs = appendNegative(errs, "drill.pressure.base_words", p.BaseWords)
	errs = appendNegative(errs, "drill.pressure.words_step", p.WordsStep)
	if p.MinGapMs > 0 && p.BaseGapMs > 0 && p.BaseGapMs < p.MinGapMs {
		errs = append(errs, fmt.Errorf("drill.pressure.base_gap_ms %d is below min_gap_ms %d", p.BaseGapMs, p.MinGapMs))
	}

	return errors.Join(errs...)
}

type number interface {
	~int | ~int64 | ~float64
}

func appendNegative[T number](errs []error, field string, v T) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s must not be negative, got %v", field, v))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
