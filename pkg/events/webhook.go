package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethpandaops/wavekeeper/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// WebhookForwarder wraps a Dispatcher and additionally POSTs every event to
// the webhook URLs it carries.
type WebhookForwarder interface {
	Dispatcher

	// Stop cancels in-flight deliveries and waits for them to return.
	Stop()
}

// Compile-time interface check.
var _ WebhookForwarder = (*webhookForwarder)(nil)

type webhookForwarder struct {
	log     logrus.FieldLogger
	next    Dispatcher
	client  *http.Client
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type webhookPayload struct {
	Token string `json:"token"`
	Type  Type   `json:"type"`
	Data  any    `json:"data"`
}

// NewWebhookForwarder creates a forwarder delivering to webhooks after
// handing each event to next.
func NewWebhookForwarder(
	log logrus.FieldLogger,
	cfg *config.WebhookConfig,
	next Dispatcher,
) (WebhookForwarder, error) {
	timeout, err := cfg.ParseTimeout()
	if err != nil {
		return nil, err
	}

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &webhookForwarder{
		log:     log.WithField("component", "webhooks"),
		next:    next,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (f *webhookForwarder) Dispatch(token string, ev Event) {
	if f.next != nil {
		f.next.Dispatch(token, ev)
	}

	if len(ev.WebhookURLs) == 0 {
		return
	}

	body, err := json.Marshal(webhookPayload{Token: token, Type: ev.Type, Data: ev.Data})
	if err != nil {
		f.log.WithError(err).Warn("Failed to encode webhook payload")

		return
	}

	for _, url := range ev.WebhookURLs {
		f.wg.Add(1)

		go func(url string) {
			defer f.wg.Done()

			if err := f.post(url, body); err != nil {
				f.log.WithError(err).
					WithField("token", token).
					WithField("url", url).
					Warn("Webhook delivery failed")
			}
		}(url)
	}
}

func (f *webhookForwarder) post(url string, body []byte) error {
	if err := f.limiter.Wait(f.ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(f.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return nil
}

func (f *webhookForwarder) Stop() {
	f.cancel()
	f.wg.Wait()
	f.client.CloseIdleConnections()
}
