// Package mqtt publishes refresh signals to a broker so that annotation
// viewers reload a media after a propagation run commits.
package mqtt

import (
	"context"
	"net/url"
	"time"

	"github.com/tphakala/trackfill/internal/errors"
)

// Client is a publish-only broker connection. After a lost connection it
// reconnects on its own until Disconnect is called.
type Client interface {
	Connect(ctx context.Context) error
	// Publish blocks until the broker acknowledges payload or ctx ends.
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// Config describes the broker connection.
type Config struct {
	Broker   string // tcp://, ssl:// or ws:// URL
	ClientID string
	Username string
	Password string

	QoS    byte
	Retain bool

	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration

	// ReconnectDelay is the pause after a lost connection before the
	// first reconnect. ReconnectCooldown is the minimum gap between two
	// connect attempts and the first backoff step.
	ReconnectDelay    time.Duration
	ReconnectCooldown time.Duration
}

// DefaultConfig returns the timings used for any zero field of a Config.
func DefaultConfig() Config {
	return Config{
		ClientID:          "trackfill",
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		ReconnectDelay:    time.Second,
		ReconnectCooldown: 5 * time.Second,
	}
}

func (cfg Config) validate() error {
	var problem string
	switch {
	case cfg.Broker == "":
		problem = "mqtt broker is required"
	case cfg.QoS > 2:
		problem = "mqtt QoS must be 0, 1 or 2"
	}
	if problem != "" {
		return errors.Newf("%s", problem).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := url.Parse(cfg.Broker); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = def.ClientID
	}
	for _, d := range []struct{ v, fallback *time.Duration }{
		{&cfg.ConnectTimeout, &def.ConnectTimeout},
		{&cfg.PublishTimeout, &def.PublishTimeout},
		{&cfg.DisconnectTimeout, &def.DisconnectTimeout},
		{&cfg.ReconnectDelay, &def.ReconnectDelay},
		{&cfg.ReconnectCooldown, &def.ReconnectCooldown},
	} {
		if *d.v <= 0 {
			*d.v = *d.fallback
		}
	}
	return cfg
}
