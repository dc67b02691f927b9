package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so credentials are never accidentally exposed. Secret NAMES
// (api_key_secret etc.) are not redacted; they identify entries in the secret
// provider, not the credentials themselves.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.DB.URL)
	redact(&out.DB.ReplicaURL)
	redact(&out.DB.Password)
	redact(&out.Bus.URL)
	redact(&out.Archive.AccessKey)
	redact(&out.Archive.SecretKey)

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Exchange != nil {
		out.Exchange = make(map[string]ExchangeConfig, len(cfg.Exchange))
		for k, v := range cfg.Exchange {
			out.Exchange[k] = v
		}
	}
	if cfg.RateLimit.Endpoints != nil {
		out.RateLimit.Endpoints = make(map[string]EndpointLimit, len(cfg.RateLimit.Endpoints))
		for k, v := range cfg.RateLimit.Endpoints {
			out.RateLimit.Endpoints[k] = v
		}
	}

	// Copy slices for the same reason.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
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
