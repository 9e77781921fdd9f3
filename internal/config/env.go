package config

import (
	"fmt"
	"strings"
	"time"
)

// applyEnvOverrides overrides config values with PKIWATCH_* environment
// variables. Setting a source's identifying variable creates that source.
// Returns error for invalid environment variable values to fail fast.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}

	// Sources
	if path, ok := get("PKIWATCH_FILE_PATH"); ok {
		if cfg.Sources.File == nil {
			cfg.Sources.File = &FileSection{}
		}
		cfg.Sources.File.Path = path
	}
	if name, ok := get("PKIWATCH_KUBE_SECRET_NAME"); ok {
		if cfg.Sources.Kubernetes == nil {
			cfg.Sources.Kubernetes = &KubernetesSection{}
		}
		cfg.Sources.Kubernetes.SecretName = name
	}
	if k := cfg.Sources.Kubernetes; k != nil {
		if ns, ok := get("PKIWATCH_KUBE_NAMESPACE"); ok {
			k.Namespace = ns
		}
		if keys, ok := get("PKIWATCH_KUBE_RESOURCE_KEYS"); ok {
			k.ResourceKeys = splitList(keys)
		}
		if keys, ok := get("PKIWATCH_KUBE_OPTIONAL_KEYS"); ok {
			k.OptionalKeys = splitList(keys)
		}
		if kubeconfig, ok := get("PKIWATCH_KUBECONFIG"); ok {
			k.Kubeconfig = kubeconfig
		}
		if kctx, ok := get("PKIWATCH_KUBE_CONTEXT"); ok {
			k.Context = kctx
		}
	}
	if socket, ok := get("PKIWATCH_SPIFFE_SOCKET"); ok {
		if cfg.Sources.SPIFFE == nil {
			cfg.Sources.SPIFFE = &SPIFFESection{}
		}
		cfg.Sources.SPIFFE.SocketPath = socket
	}

	// Validation policy
	bools := []struct {
		key string
		dst *bool
	}{
		{"PKIWATCH_ALLOW_SELF_SIGNED", &cfg.Validation.AllowSelfSigned},
		{"PKIWATCH_VALIDATE_EXPIRATION", &cfg.Validation.ValidateExpiration},
		{"PKIWATCH_VALIDATE_DOMAIN", &cfg.Validation.ValidateDomain},
		{"PKIWATCH_VALIDATE_CHAIN", &cfg.Validation.ValidateChain},
		{"PKIWATCH_ALLOW_WILDCARD", &cfg.Validation.AllowWildcard},
	}
	for _, b := range bools {
		if v, ok := get(b.key); ok {
			parsed, err := parseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", b.key, v, err)
			}
			*b.dst = parsed
		}
	}
	if domain, ok := get("PKIWATCH_VALIDATION_DOMAIN"); ok {
		cfg.Validation.Domain = domain
	}
	if trust, ok := get("PKIWATCH_VALIDATION_TRUST"); ok {
		cfg.Validation.Trust = trust
	}
	if roots, ok := get("PKIWATCH_ROOTS_FILE"); ok {
		cfg.Validation.RootsFile = roots
	}

	// Retry
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PKIWATCH_RETRY_INITIAL_INTERVAL", &cfg.Retry.InitialInterval},
		{"PKIWATCH_RETRY_MAX_INTERVAL", &cfg.Retry.MaxInterval},
		{"PKIWATCH_RETRIEVE_TIMEOUT", &cfg.Retry.RetrieveTimeout},
	}
	for _, d := range durations {
		if v, ok := get(d.key); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", d.key, v, err)
			}
			*d.dst = parsed
		}
	}

	// HTTP and logging
	if addr, ok := lookup("PKIWATCH_HTTP_LISTEN_ADDR"); ok {
		// Set but empty disables the HTTP surface.
		cfg.HTTP.ListenAddr = addr
	}
	if level, ok := get("PKIWATCH_LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(level)
	}
	if format, ok := get("PKIWATCH_LOG_FORMAT"); ok {
		cfg.Log.Format = strings.ToLower(format)
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseBool parses boolean environment variables
// Accepts: "true", "1", "yes", "on" for true; "false", "0", "no", "off" for false
func parseBool(value string) (bool, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}
