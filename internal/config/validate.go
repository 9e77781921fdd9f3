package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the rules that span sections.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	s := cfg.Sources
	if s.File == nil && s.Kubernetes == nil && s.SPIFFE == nil {
		return errors.New("at least one of sources.file, sources.kubernetes or sources.spiffe must be set")
	}

	names := map[string]string{}
	for _, src := range []struct{ section, name string }{
		{"sources.file", nameOf(s.File)},
		{"sources.kubernetes", nameOf(s.Kubernetes)},
		{"sources.spiffe", nameOf(s.SPIFFE)},
	} {
		if src.name == "" {
			continue
		}
		if other, dup := names[src.name]; dup {
			return fmt.Errorf("%s.name %q is already used by %s", src.section, src.name, other)
		}
		names[src.name] = src.section
	}

	v := cfg.Validation
	if v.AllowWildcard && !v.ValidateDomain {
		return errors.New("validation.allow_wildcard requires validation.validate_domain")
	}
	if v.ValidateDomain && strings.HasPrefix(v.Domain, "*.") {
		return fmt.Errorf("validation.domain must not be a wildcard, got %q", v.Domain)
	}
	if v.Trust == "spiffe" && s.SPIFFE == nil {
		return errors.New("validation.trust spiffe requires sources.spiffe")
	}
	if v.Trust == "spiffe" && v.RootsFile != "" {
		return errors.New("validation.roots_file cannot be used with validation.trust spiffe")
	}

	if addr := cfg.HTTP.ListenAddr; addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid http.listen_addr %q: %w", addr, err)
		}
	}
	return nil
}

func nameOf(section any) string {
	switch s := section.(type) {
	case *FileSection:
		if s != nil {
			return s.Name
		}
	case *KubernetesSection:
		if s != nil {
			return s.Name
		}
	case *SPIFFESection:
		if s != nil {
			return s.Name
		}
	}
	return ""
}

// fieldMessage renders a field error as "section.field must ...".
func fieldMessage(fe validator.FieldError) string {
	// Namespace is "Config.section.field"; drop the root type name.
	_, field, _ := strings.Cut(fe.Namespace(), ".")
	switch fe.Tag() {
	case "required", "required_if":
		return field + " must be set"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "eq":
		return fmt.Sprintf("%s must be %s", field, fe.Param())
	case "gt":
		return field + " must be positive"
	case "gte":
		return field + " must not be negative"
	case "gtefield":
		return field + " must not be less than retry.initial_interval"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
