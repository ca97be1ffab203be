package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable of the server and the client tools. Zero values
// in the YAML file keep the defaults.
type Config struct {
	// Port the websocket server listens on.
	Port string `yaml:"port"`
	// FrontendHost is matched against the Origin header of socket upgrades.
	// Empty accepts any origin.
	FrontendHost string `yaml:"frontendHost"`

	// SendBufferSize is the number of messages queued per connection before
	// it is dropped as a slow consumer.
	SendBufferSize int   `yaml:"sendBufferSize"`
	MaxMessageSize int64 `yaml:"maxMessageSize"`

	WriteWait time.Duration `yaml:"writeWait"`
	// PongWait bounds how long a silent connection stays in its room.
	PongWait   time.Duration `yaml:"pongWait"`
	PingPeriod time.Duration `yaml:"pingPeriod"`

	RoutingServiceURL  string        `yaml:"routingServiceURL"`
	RouteTimeout       time.Duration `yaml:"routeTimeout"`
	GeolocationTimeout time.Duration `yaml:"geolocationTimeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Port:               "8080",
		SendBufferSize:     32,
		MaxMessageSize:     4096,
		WriteWait:          10 * time.Second,
		PongWait:           60 * time.Second,
		PingPeriod:         54 * time.Second,
		RouteTimeout:       15 * time.Second,
		GeolocationTimeout: 5 * time.Second,
	}
}

// ParseConfig reads the YAML file at path on top of the defaults.
func ParseConfig(path string) (*Config, error) {
	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(configFile, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse yaml config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would break the server at runtime.
func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return errors.New("config missing port")
	case c.SendBufferSize <= 0:
		return errors.New("sendBufferSize must be positive")
	case c.MaxMessageSize <= 0:
		return errors.New("maxMessageSize must be positive")
	case c.WriteWait <= 0:
		return errors.New("writeWait must be positive")
	case c.PongWait <= 0 || c.PingPeriod <= 0:
		return errors.New("pongWait and pingPeriod must be positive")
	case c.PingPeriod >= c.PongWait:
		return fmt.Errorf("pingPeriod (%s) must be shorter than pongWait (%s)", c.PingPeriod, c.PongWait)
	case c.RouteTimeout <= 0:
		return errors.New("routeTimeout must be positive")
	case c.GeolocationTimeout <= 0:
		return errors.New("geolocationTimeout must be positive")
	}
	return nil
}
