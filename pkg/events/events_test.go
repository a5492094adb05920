package events

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

func TestBus_DeliversPerToken(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBus(testLogger())
	defer b.Close()

	chA, cancelA := b.Subscribe("token-a")
	defer cancelA()

	chB, cancelB := b.Subscribe("token-b")
	defer cancelB()

	b.Dispatch("token-a", Event{Type: TypeStatus, Data: "running"})

	select {
	case ev := <-chA:
		assert.Equal(t, TypeStatus, ev.Type)
		assert.Equal(t, "running", ev.Data)
	case <-time.After(time.Second):
		t.Fatal("expected event for token-a")
	}

	select {
	case ev := <-chB:
		t.Fatalf("unexpected event for token-b: %+v", ev)
	default:
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	ch, cancel := b.Subscribe("token")
	defer cancel()

	for range subscriberBuffer * 2 {
		b.Dispatch("token", Event{Type: TypeStatus, Data: "paused"})
	}

	assert.Len(t, ch, subscriberBuffer)
}

func TestBus_CancelClosesChannel(t *testing.T) {
	b := NewBus(testLogger())

	ch, cancel := b.Subscribe("token")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	b.Close()

	ch, _ = b.Subscribe("token")
	_, ok = <-ch
	assert.False(t, ok, "subscriptions after close are closed immediately")
}

func TestWebhookForwarder_PostsToEveryURL(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookPayload
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		mu.Lock()
		received = append(received, p)
		mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	b := NewBus(testLogger())
	defer b.Close()

	ch, cancel := b.Subscribe("token")
	defer cancel()

	f, err := NewWebhookForwarder(testLogger(), &config.WebhookConfig{
		Enabled:           true,
		Timeout:           "5s",
		RequestsPerSecond: 100,
	}, b)
	require.NoError(t, err)

	f.Dispatch("token", Event{
		Type:        TypeStatus,
		Data:        "completed",
		WebhookURLs: []string{srv.URL + "/a", srv.URL + "/b"},
	})
	f.Stop()

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, received, 2)

	for _, p := range received {
		assert.Equal(t, "token", p.Token)
		assert.Equal(t, TypeStatus, p.Type)
		assert.Equal(t, "completed", p.Data)
	}

	select {
	case ev := <-ch:
		assert.Equal(t, "completed", ev.Data)
	default:
		t.Fatal("forwarder must hand events to the wrapped dispatcher")
	}
}

func TestNewWebhookForwarder_InvalidTimeout(t *testing.T) {
	_, err := NewWebhookForwarder(testLogger(), &config.WebhookConfig{Timeout: "never"}, nil)
	require.Error(t, err)
}
