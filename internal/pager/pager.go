// Package pager notifies an external paging endpoint of a positive AKI
// prediction, with a bounded single retry on transient failure.
package pager

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"github.com/akiops/aki-pipeline/pkg/model"
)

// Outcome classifies the result of one pager attempt.
type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	default:
		return "permanent_failure"
	}
}

const requestTimeout = 200 * time.Millisecond

// Client posts positive predictions to the configured pager endpoint.
type Client struct {
	address    string
	httpClient *http.Client
	retry      *backoff.Backoff
}

// NewClient builds a Client against address, normalising it to a full URL
// ending in /page the way the source system does: a missing scheme is
// prefixed with http://, a missing /page suffix is appended.
func NewClient(address string) *Client {
	return &Client{
		address:    normalizeAddress(address),
		httpClient: &http.Client{Timeout: requestTimeout},
		retry: &backoff.Backoff{
			Min:    2 * time.Second,
			Max:    2 * time.Second,
			Factor: 1,
		},
	}
}

func normalizeAddress(address string) string {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	if !strings.HasSuffix(address, "/page") {
		address = strings.TrimSuffix(address, "/") + "/page"
	}
	return address
}

// post performs exactly one HTTP POST and classifies its outcome.
func (c *Client) post(ctx context.Context, identity model.PatientIdentity, timestamp time.Time) Outcome {
	body := fmt.Sprintf("%s,%d", identity, timestamp.Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address, bytes.NewBufferString(body))
	if err != nil {
		return TransientFailure
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TransientFailure
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return Success
	case resp.StatusCode >= 500:
		return TransientFailure
	default:
		return PermanentFailure
	}
}

// Notify drives the full retry state machine for one positive prediction:
// Initial -> Sending -> Success, or Sending -> TransientFailure ->
// WaitRetry -> Sending -> Dropped (after exactly one retry), or
// Sending -> PermanentFailure -> Dropped. ctx cancellation is observed
// both for the request and for the retry sleep.
func (c *Client) Notify(ctx context.Context, identity model.PatientIdentity, timestamp time.Time) Outcome {
	outcome := c.post(ctx, identity, timestamp)
	if outcome != TransientFailure {
		return outcome
	}

	delay := c.retry.Duration()
	select {
	case <-ctx.Done():
		return TransientFailure
	case <-time.After(delay):
	}

	return c.post(ctx, identity, timestamp)
}
