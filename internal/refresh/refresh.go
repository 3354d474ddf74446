// Package refresh fans "category is stale" signals out to caches and
// subscribers.
package refresh

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tphakala/trackfill/internal/errors"
	"github.com/tphakala/trackfill/internal/logger"
	"github.com/tphakala/trackfill/internal/mqtt"
	"github.com/tphakala/trackfill/internal/propagation"
)

const componentName = "refresh"

// DefaultTopic is the topic prefix refresh signals are published under.
const DefaultTopic = "trackfill/refresh"

// Fanout calls every refresher in order. All are attempted; failures are joined.
type Fanout []propagation.Refresher

func (f Fanout) Refresh(ctx context.Context, category string) error {
	var errs []error
	for _, r := range f {
		if r == nil {
			continue
		}
		if err := r.Refresh(ctx, category); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop ignores refresh signals.
type Noop struct{}

func (Noop) Refresh(context.Context, string) error { return nil }

// Signal is the payload published for a refresh.
type Signal struct {
	Category string    `json:"category"`
	MediaID  int64     `json:"media_id"`
	Time     time.Time `json:"time"`
}

// MQTTRefresher publishes a Signal to <topic>/<category>.
type MQTTRefresher struct {
	client  mqtt.Client
	topic   string
	mediaID int64
	now     func() time.Time
	log     logger.Logger
}

// NewMQTTRefresher publishes through client. An empty topic uses DefaultTopic.
func NewMQTTRefresher(client mqtt.Client, topic string, mediaID int64) *MQTTRefresher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTRefresher{
		client:  client,
		topic:   strings.TrimRight(topic, "/"),
		mediaID: mediaID,
		now:     time.Now,
		log:     logger.Global().Module(componentName),
	}
}

// Refresh publishes the signal. Nothing is published for an empty category.
func (r *MQTTRefresher) Refresh(ctx context.Context, category string) error {
	if category == "" {
		return nil
	}
	payload, err := json.Marshal(Signal{Category: category, MediaID: r.mediaID, Time: r.now().UTC()})
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryMQTTPublish).
			Build()
	}

	topic := r.topic + "/" + category
	if err := r.client.Publish(ctx, topic, payload); err != nil {
		r.log.Warn("refresh signal not delivered",
			logger.String("topic", topic),
			logger.Error(err))
		return err
	}
	r.log.Debug("refresh signal published", logger.String("topic", topic))
	return nil
}
