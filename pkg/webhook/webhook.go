// Package webhook notifies requesters when their deployment has finished.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/metrics"
	"github.com/nais/rollout/pkg/record"
)

const (
	// SignatureHeader carries a JWS with detached payload, signed with HS256 over the request body.
	SignatureHeader = "X-Rollout-Signature"

	DefaultMaxElapsedTime = 2 * time.Minute
)

type Notifier struct {
	Client         *http.Client
	SigningKey     []byte
	MaxElapsedTime time.Duration
}

func New(signingKey []byte) *Notifier {
	return &Notifier{
		Client:         &http.Client{Timeout: 10 * time.Second},
		SigningKey:     signingKey,
		MaxElapsedTime: DefaultMaxElapsedTime,
	}
}

// Sign returns a compact JWS over payload, with the payload itself left out.
func Sign(payload, key []byte) (string, error) {
	signature, err := jws.Sign(nil, jws.WithKey(jwa.HS256, key), jws.WithDetachedPayload(payload))
	if err != nil {
		return "", err
	}
	return string(signature), nil
}

// Verify checks a signature produced by Sign.
func Verify(payload []byte, signature string, key []byte) error {
	_, err := jws.Verify([]byte(signature), jws.WithKey(jwa.HS256, key), jws.WithDetachedPayload(payload))
	return err
}

// Notify posts the record to its webhook URL, if it has one. Server errors and network
// failures are retried with exponential backoff; client errors are not.
func (n *Notifier) Notify(ctx context.Context, rec *record.Record) error {
	url := rec.Options.WebhookURL
	if url == "" {
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	var signature string
	if len(n.SigningKey) > 0 {
		signature, err = Sign(payload, n.SigningKey)
		if err != nil {
			return fmt.Errorf("sign webhook payload: %w", err)
		}
	}

	logger := log.WithFields(rec.LogFields())
	retry := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(n.MaxElapsedTime))

	err = backoff.RetryNotify(func() error {
		return n.post(ctx, url, payload, signature)
	}, backoff.WithContext(retry, ctx), func(err error, next time.Duration) {
		logger.Warnf("webhook delivery to %s failed, retrying in %s: %s", url, next, err)
	})
	metrics.WebhookDelivery(err)

	if err != nil {
		return fmt.Errorf("deliver webhook to %s: %w", url, err)
	}
	logger.Debugf("webhook delivered to %s", url)
	return nil
}

func (n *Notifier) post(ctx context.Context, url string, payload []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("webhook returned %s", resp.Status))
	default:
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
}
