package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/CSroseX/phasetrace/internal/ignore"
	"github.com/CSroseX/phasetrace/internal/logging"
)

// FieldError is a validation failure of one configuration field.
type FieldError struct {
	// Field is the dotted path to the field, e.g. "tracing.sampler".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "configuration validation failed: " + e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate returns a ValidationError listing every invalid field, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLog(&cfg.Log)...)
	errs = append(errs, validateTracing(&cfg.Tracing)...)
	errs = append(errs, validateIndex(&cfg.Index)...)
	errs = append(errs, validateRoutes(cfg.Routes)...)
	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError
	if cfg.Addr == "" {
		errs = append(errs, FieldError{"server.addr", "listen address is required"})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{"server.read_timeout", "must not be negative"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{"server.write_timeout", "must not be negative"})
	}
	if cfg.BodyLimit <= 0 {
		errs = append(errs, FieldError{"server.body_limit", "must be positive"})
	}
	return errs
}

func validateLog(cfg *LogConfig) []FieldError {
	var errs []FieldError
	if _, err := logging.ParseLevel(cfg.Level); err != nil {
		errs = append(errs, FieldError{"log.level", err.Error()})
	}
	if _, err := logging.ParseFormat(cfg.Format); err != nil {
		errs = append(errs, FieldError{"log.format", err.Error()})
	}
	return errs
}

func validateTracing(cfg *TracingConfig) []FieldError {
	var errs []FieldError
	if !cfg.Enabled {
		return nil
	}
	if cfg.ServiceName == "" {
		errs = append(errs, FieldError{"tracing.service_name", "service name is required"})
	}

	switch cfg.Exporter {
	case "stdout", "none":
	case "otlp":
		if cfg.Endpoint == "" {
			errs = append(errs, FieldError{"tracing.endpoint", "endpoint is required for the otlp exporter"})
		}
	default:
		errs = append(errs, FieldError{"tracing.exporter", fmt.Sprintf("invalid exporter %q: must be 'stdout', 'otlp' or 'none'", cfg.Exporter)})
	}

	switch cfg.Sampler {
	case "always", "never":
	case "ratio":
		if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
			errs = append(errs, FieldError{"tracing.sample_ratio", "must be between 0.0 and 1.0"})
		}
	default:
		errs = append(errs, FieldError{"tracing.sampler", fmt.Sprintf("invalid sampler %q: must be 'always', 'never' or 'ratio'", cfg.Sampler)})
	}

	for i, s := range cfg.IgnoreURLs {
		if _, err := ignore.Parse(s); err != nil {
			errs = append(errs, FieldError{fmt.Sprintf("tracing.ignore_urls[%d]", i), err.Error()})
		}
	}
	for i, s := range cfg.IgnoreMethods {
		if _, err := ignore.Parse(s); err != nil {
			errs = append(errs, FieldError{fmt.Sprintf("tracing.ignore_methods[%d]", i), err.Error()})
		}
	}

	switch cfg.NameOverride {
	case NameURL, NameMethodURL, NameRoute:
	default:
		errs = append(errs, FieldError{"tracing.name_override", fmt.Sprintf("invalid mode %q: must be '', 'method_url' or 'route'", cfg.NameOverride)})
	}
	return errs
}

func validateIndex(cfg *IndexConfig) []FieldError {
	if !cfg.Enabled {
		return nil
	}
	var errs []FieldError
	if cfg.Addr == "" {
		errs = append(errs, FieldError{"index.addr", "redis address is required when the index is enabled"})
	}
	if cfg.TTL < 0 {
		errs = append(errs, FieldError{"index.ttl", "must not be negative"})
	}
	if cfg.MaxPerRoute < 0 {
		errs = append(errs, FieldError{"index.max_per_route", "must not be negative"})
	}
	return errs
}

func validateRoutes(routes []RouteConfig) []FieldError {
	var errs []FieldError
	for i, r := range routes {
		field := fmt.Sprintf("routes[%d]", i)
		switch {
		case r.Path == "" && r.Prefix == "":
			errs = append(errs, FieldError{field, "one of path or prefix is required"})
		case r.Path != "" && r.Prefix != "":
			errs = append(errs, FieldError{field, "path and prefix are mutually exclusive"})
		}
		if r.Upstream != "" {
			u, err := url.Parse(r.Upstream)
			if err != nil || u.Scheme == "" || u.Host == "" {
				errs = append(errs, FieldError{field + ".upstream", fmt.Sprintf("invalid upstream URL %q", r.Upstream)})
			}
		}
		if r.Chaos != nil && (r.Chaos.ErrorRate < 0 || r.Chaos.ErrorRate > 1) {
			errs = append(errs, FieldError{field + ".chaos.error_rate", "must be between 0.0 and 1.0"})
		}
	}
	return errs
}
