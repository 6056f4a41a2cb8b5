// Package config loads the gateway's YAML configuration.
package config

import (
	"time"

	"github.com/CSroseX/phasetrace/internal/ignore"
)

// Root span naming modes.
const (
	NameURL       = ""
	NameMethodURL = "method_url"
	NameRoute     = "route"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	Index   IndexConfig   `yaml:"index"`
	Routes  []RouteConfig `yaml:"routes"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	BodyLimit       int64         `yaml:"body_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ServiceName string        `yaml:"service_name"`
	Exporter    string        `yaml:"exporter"`
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	Timeout     time.Duration `yaml:"timeout"`
	Sampler     string        `yaml:"sampler"`
	SampleRatio float64       `yaml:"sample_ratio"`

	// IgnoreURLs and IgnoreMethods hold rule strings: "re:<expr>",
	// "glob:<pattern>" or an exact value.
	IgnoreURLs    []string `yaml:"ignore_urls"`
	IgnoreMethods []string `yaml:"ignore_methods"`

	NameOverride string `yaml:"name_override"`
}

// IndexConfig configures the Redis backed recent-trace index.
type IndexConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	TTL         time.Duration `yaml:"ttl"`
	MaxPerRoute int           `yaml:"max_per_route"`
}

// RouteConfig is one gateway route. Routes without an upstream echo the
// request back; routes with one are forwarded.
type RouteConfig struct {
	Method   string `yaml:"method"`
	Path     string `yaml:"path"`
	Prefix   string `yaml:"prefix"`
	Upstream string `yaml:"upstream"`

	Chaos *ChaosConfig `yaml:"chaos"`
}

// ChaosConfig injects failures into a route's handler phase.
type ChaosConfig struct {
	ErrorRate float64       `yaml:"error_rate"`
	Delay     time.Duration `yaml:"delay"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			BodyLimit:       1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "gateway",
			Exporter:    "stdout",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			Timeout:     10 * time.Second,
			Sampler:     "always",
			SampleRatio: 1.0,
		},
		Index: IndexConfig{
			Addr:        "localhost:6379",
			TTL:         time.Hour,
			MaxPerRoute: 100,
		},
	}
}

// IgnoreRules parses the configured ignore rules.
func (t TracingConfig) IgnoreRules() (urls, methods []ignore.Rule, err error) {
	if urls, err = ignore.ParseAll(t.IgnoreURLs); err != nil {
		return nil, nil, err
	}
	if methods, err = ignore.ParseAll(t.IgnoreMethods); err != nil {
		return nil, nil, err
	}
	return urls, methods, nil
}
