// Package config loads the watcher configuration file.
//
// Loading happens in four steps: the YAML file is decoded over Default(),
// PKIWATCH_* environment variables override individual fields, per-source
// defaults are filled in, and the result is validated.
package config

import (
	"time"

	"github.com/sufield/pkiwatch/internal/validation"
)

// Config is the watcher configuration file.
//
// The config format is versioned to support future evolution without breaking changes.
type Config struct {
	Version    int               `yaml:"version,omitempty" validate:"omitempty,eq=1"`
	Sources    SourcesSection    `yaml:"sources"`
	Validation ValidationSection `yaml:"validation"`
	Retry      RetrySection      `yaml:"retry"`
	HTTP       HTTPSection       `yaml:"http"`
	Log        LogSection        `yaml:"log"`
}

// SourcesSection lists the sources to watch. At least one must be set.
type SourcesSection struct {
	File       *FileSection       `yaml:"file,omitempty"`
	Kubernetes *KubernetesSection `yaml:"kubernetes,omitempty"`
	SPIFFE     *SPIFFESection     `yaml:"spiffe,omitempty"`
}

// FileSection configures the file source.
type FileSection struct {
	// Name identifies the source in logs and metrics. Defaults to "file".
	Name string `yaml:"name,omitempty"`

	// Path is the PEM bundle to watch.
	Path string `yaml:"path" validate:"required"`
}

// KubernetesSection configures the Kubernetes Secret source.
type KubernetesSection struct {
	Name       string `yaml:"name,omitempty"`
	Namespace  string `yaml:"namespace" validate:"required"`
	SecretName string `yaml:"secret_name" validate:"required"`

	// ResourceKeys are the Secret data keys to decode; each must exist.
	// Defaults to tls.crt and tls.key.
	ResourceKeys []string `yaml:"resource_keys,omitempty" validate:"dive,required"`
	// OptionalKeys are decoded when present. Defaults to ca.crt when
	// ResourceKeys is left unset, and to nothing otherwise.
	OptionalKeys []string `yaml:"optional_keys,omitempty" validate:"dive,required"`

	// Kubeconfig and Context select the cluster. Both empty means the
	// standard kubeconfig resolution, falling back to in-cluster config.
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
	Context    string `yaml:"context,omitempty"`
}

// SPIFFESection configures the SPIFFE Workload API source.
type SPIFFESection struct {
	Name string `yaml:"name,omitempty"`

	// SocketPath is the Workload API address.
	// Example: "unix:///tmp/spire-agent/public/api.sock"
	// A bare path is treated as a unix socket. Empty defers to
	// SPIFFE_ENDPOINT_SOCKET.
	SocketPath string `yaml:"socket_path,omitempty"`
}

// ValidationSection is the validation policy applied to every identity.
type ValidationSection struct {
	AllowSelfSigned    bool   `yaml:"allow_self_signed"`
	ValidateExpiration bool   `yaml:"validate_expiration"`
	ValidateDomain     bool   `yaml:"validate_domain"`
	ValidateChain      bool   `yaml:"validate_chain"`
	Domain             string `yaml:"domain,omitempty" validate:"required_if=ValidateDomain true"`
	AllowWildcard      bool   `yaml:"allow_wildcard"`

	// Trust selects the chain verifier: x509 (roots file or system pool)
	// or spiffe (bundles from the SPIFFE source).
	Trust     string `yaml:"trust" validate:"oneof=x509 spiffe"`
	RootsFile string `yaml:"roots_file,omitempty"`
}

// Policy converts the section into a validation policy.
func (v ValidationSection) Policy() validation.Policy {
	return validation.Policy{
		AllowSelfSigned:    v.AllowSelfSigned,
		ValidateExpiration: v.ValidateExpiration,
		ValidateDomain:     v.ValidateDomain,
		ValidateChain:      v.ValidateChain,
		Domain:             v.Domain,
		AllowWildcard:      v.AllowWildcard,
	}
}

// RetrySection bounds retries of failing sources.
// Use Go duration format: "500ms", "30s", "1m", etc.
type RetrySection struct {
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
	RetrieveTimeout time.Duration `yaml:"retrieve_timeout" validate:"gte=0"`
}

// HTTPSection configures the operator HTTP surface. An empty ListenAddr
// disables it.
type HTTPSection struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}
