package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DrillChanged is true if any session limit changed.
	DrillChanged    bool
	AnalyzerChanged bool
	PressureChanged bool

	// RestartRequired names the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Reloadable reports whether d carries changes that can be applied live.
func (d ConfigDiff) Reloadable() bool {
	return d.LogLevelChanged || d.DrillChanged || d.AnalyzerChanged || d.PressureChanged
}

// Empty reports whether no setting changed.
func (d ConfigDiff) Empty() bool {
	return !d.Reloadable() && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	od, nd := old.Drill, new.Drill
	d.AnalyzerChanged = od.Analyzer != nd.Analyzer
	d.PressureChanged = od.Pressure != nd.Pressure
	od.Analyzer, nd.Analyzer = AnalyzerConfig{}, AnalyzerConfig{}
	od.Pressure, nd.Pressure = PressureConfig{}, PressureConfig{}
	d.DrillChanged = od != nd

	if !sameServer(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Bus != new.Bus {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if !sameReport(old.Report, new.Report) {
		d.RestartRequired = append(d.RestartRequired, "report")
	}
	return d
}

// sameServer compares everything but the hot-reloadable log level.
func sameServer(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.LogFormat != b.LogFormat ||
		a.WSReadLimitBytes != b.WSReadLimitBytes || a.WSWriteTimeout != b.WSWriteTimeout ||
		a.ShutdownTimeout != b.ShutdownTimeout || !slices.Equal(a.AllowedOrigins, b.AllowedOrigins) {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	return a.TLS == nil || *a.TLS == *b.TLS
}

func sameReport(a, b ReportConfig) bool {
	return a.Enabled == b.Enabled &&
		sameProvider(a.Provider, b.Provider) &&
		sameProvider(a.Fallback, b.Fallback) &&
		a.Timeout == b.Timeout &&
		a.Concurrency == b.Concurrency &&
		a.MaxTranscriptChars == b.MaxTranscriptChars &&
		a.MaxTokens == b.MaxTokens
}

// sameProvider ignores Options, which are not comparable.
func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
