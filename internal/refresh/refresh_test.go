package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/trackfill/internal/propagation"
)

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) IsConnected() bool             { return true }
func (f *fakeClient) Disconnect()                   {}

func (f *fakeClient) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{topic: topic, payload: payload})
	return nil
}

func TestFanoutCallsEveryRefresher(t *testing.T) {
	t.Parallel()

	var calls []string
	record := func(name string, err error) propagation.Refresher {
		return propagation.RefresherFunc(func(_ context.Context, category string) error {
			calls = append(calls, name+":"+category)
			return err
		})
	}

	first := fmt.Errorf("cache down")
	third := fmt.Errorf("broker down")
	f := Fanout{record("cache", first), nil, record("ui", nil), record("mqtt", third)}

	err := f.Refresh(t.Context(), "box_3")
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, third)
	assert.Equal(t, []string{"cache:box_3", "ui:box_3", "mqtt:box_3"}, calls)

	require.NoError(t, Fanout{}.Refresh(t.Context(), "box_3"))
}

func TestNoop(t *testing.T) {
	t.Parallel()
	require.NoError(t, Noop{}.Refresh(t.Context(), "state_2"))
}

func TestMQTTRefresherPublishesSignal(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	r := NewMQTTRefresher(client, "annotations/refresh/", 42)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.Refresh(t.Context(), "box_3"))
	require.NoError(t, r.Refresh(t.Context(), ""), "empty categories are ignored")

	require.Len(t, client.sent, 1)
	assert.Equal(t, "annotations/refresh/box_3", client.sent[0].topic)

	var sig Signal
	require.NoError(t, json.Unmarshal(client.sent[0].payload, &sig))
	assert.Equal(t, Signal{Category: "box_3", MediaID: 42, Time: fixed}, sig)
}

func TestMQTTRefresherDefaultTopicAndError(t *testing.T) {
	t.Parallel()

	client := &fakeClient{err: fmt.Errorf("not connected")}
	r := NewMQTTRefresher(client, "", 1)
	assert.Equal(t, DefaultTopic, r.topic)

	err := r.Refresh(t.Context(), "state_2")
	require.ErrorIs(t, err, client.err)
}
