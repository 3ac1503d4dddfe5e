package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging the active
// configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.API.APIKey)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Venues = append([]VenueConfig(nil), cfg.Venues...)
	out.Instruments = append([]InstrumentConfig(nil), cfg.Instruments...)
	out.Risk.Caps = append([]CapConfig(nil), cfg.Risk.Caps...)
	out.Risk.Correlations = append([]CorrelationConfig(nil), cfg.Risk.Correlations...)
	out.Detector.Statistical.Pairs = append([]PairConfig(nil), cfg.Detector.Statistical.Pairs...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.API.CORSOrigins = append([]string(nil), cfg.API.CORSOrigins...)
	if cfg.Detector.Triangular.MaxStartAmount != nil {
		out.Detector.Triangular.MaxStartAmount = make(map[string]float64, len(cfg.Detector.Triangular.MaxStartAmount))
		for k, v := range cfg.Detector.Triangular.MaxStartAmount {
			out.Detector.Triangular.MaxStartAmount[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
