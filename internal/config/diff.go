package config

import "slices"

// ConfigDiff describes what changed between two configs.
// HotReloadable changes take effect for the next call; the rest are listed in
// RestartRequired and only apply after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true if voice, instructions, temperature or any other
	// part of the session handshake changed.
	PersonaChanged bool

	// RelayChanged is true if a relay or handshake timing setting changed.
	RelayChanged bool

	// GreetingChanged is true if the webhook greeting or its voice changed.
	GreetingChanged bool

	// RestartRequired names the changed settings that are read only at startup.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.RelayChanged || d.GreetingChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	or, nr := old.Realtime, new.Realtime
	if or.Voice != nr.Voice ||
		or.Instructions != nr.Instructions ||
		or.Temperature != nr.Temperature ||
		or.TranscriptionModel != nr.TranscriptionModel ||
		or.TurnDetection != nr.TurnDetection ||
		or.AudioFormat != nr.AudioFormat ||
		!slices.Equal(or.Modalities, nr.Modalities) {
		d.PersonaChanged = true
	}
	if old.Relay != new.Relay || or.Handshake != nr.Handshake {
		d.RelayChanged = true
	}
	if old.FrontDoor != new.FrontDoor || old.Server.PublicHost != new.Server.PublicHost {
		d.GreetingChanged = true
	}

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("realtime.api_key", or.APIKey != nr.APIKey)
	restart("realtime.base_url", or.BaseURL != nr.BaseURL)
	restart("realtime.model", or.Model != nr.Model)
	restart("extraction", !equalExtraction(old.Extraction, new.Extraction))
	restart("storage.postgres_dsn", old.Storage.PostgresDSN != new.Storage.PostgresDSN)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// equalExtraction ignores provider Options, which are not compared.
func equalExtraction(a, b ExtractionConfig) bool {
	if a.Disabled != b.Disabled || a.Timeout != b.Timeout || a.SaveOnFailure != b.SaveOnFailure ||
		a.CircuitBreaker != b.CircuitBreaker || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	if !equalEntry(a.Primary, b.Primary) {
		return false
	}
	for i := range a.Fallbacks {
		if !equalEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

func equalEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
