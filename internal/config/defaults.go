package config

import (
	"time"

	"github.com/sufield/pkiwatch/internal/adapters/outbound/kubesource"
)

const (
	DefaultListenAddr      = ":9090"
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultRetrieveTimeout = 10 * time.Second
	DefaultNamespace       = "default"
	DefaultTrust           = "x509"
)

// Default returns the configuration every file is decoded over.
// It has no sources, so it does not validate on its own.
func Default() Config {
	return Config{
		Version: 1,
		Validation: ValidationSection{
			ValidateExpiration: true,
			Trust:              DefaultTrust,
		},
		Retry: RetrySection{
			InitialInterval: DefaultInitialInterval,
			MaxInterval:     DefaultMaxInterval,
			RetrieveTimeout: DefaultRetrieveTimeout,
		},
		HTTP: HTTPSection{ListenAddr: DefaultListenAddr},
		Log:  LogSection{Level: "info", Format: "text"},
	}
}

// applyDefaults fills in per-source defaults that Default cannot reach
// because the sections are optional.
func applyDefaults(cfg *Config) {
	if f := cfg.Sources.File; f != nil && f.Name == "" {
		f.Name = "file"
	}
	if k := cfg.Sources.Kubernetes; k != nil {
		if k.Name == "" {
			k.Name = "kubernetes"
		}
		if k.Namespace == "" {
			k.Namespace = DefaultNamespace
		}
		if len(k.ResourceKeys) == 0 {
			k.ResourceKeys = append([]string(nil), kubesource.DefaultResourceKeys...)
			if k.OptionalKeys == nil {
				k.OptionalKeys = append([]string(nil), kubesource.DefaultOptionalKeys...)
			}
		}
	}
	if s := cfg.Sources.SPIFFE; s != nil && s.Name == "" {
		s.Name = "spiffe"
	}
}

// WithDefaults returns a copy of cfg with per-source defaults filled in,
// for configurations built in code rather than loaded from a file.
func WithDefaults(cfg Config) Config {
	if f := cfg.Sources.File; f != nil {
		c := *f
		cfg.Sources.File = &c
	}
	if k := cfg.Sources.Kubernetes; k != nil {
		c := *k
		c.ResourceKeys = append([]string(nil), k.ResourceKeys...)
		if k.OptionalKeys != nil {
			c.OptionalKeys = append([]string(nil), k.OptionalKeys...)
		}
		cfg.Sources.Kubernetes = &c
	}
	if s := cfg.Sources.SPIFFE; s != nil {
		c := *s
		cfg.Sources.SPIFFE = &c
	}
	applyDefaults(&cfg)
	return cfg
}
