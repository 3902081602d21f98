// Package broker implements the opt-in NATS-backed transport between the
// decode stage and the dispatch stage: an alternative to the direct
// in-process handoff that preserves the same per-event contract. It is
// adapted from the teacher's pkg/nats client wrapper, narrowed to the one
// publish/subscribe/redeliver-once shape this pipeline needs and rebuilt
// against this package's own config and logging rather than the
// teacher's.
package broker

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akiops/aki-pipeline/pkg/log"
	"github.com/akiops/aki-pipeline/pkg/model"
)

const (
	subjectPrefix    = "aki.events."
	deadLetterSuffix = "dead"
	retryHeader      = "X-Retry-Count"
	maxRedeliveries  = 1
)

// Handler applies one decoded event the same way the in-process dispatch
// path does. Returning an error marks the event for one redelivery;
// returning nil acknowledges it implicitly (core NATS has no broker-side
// ack, so "ack" here just means no redelivery is scheduled).
type Handler func(event model.Event) error

// Client wraps a NATS connection scoped to this pipeline's event subjects.
type Client struct {
	conn          *nats.Conn
	mu            sync.Mutex
	subscriptions []*nats.Subscription
}

// Config is the subset of NATS connection settings the pipeline exposes;
// unset fields fall back to nats.go's own defaults.
type Config struct {
	Address       string `json:"address"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	CredsFilePath string `json:"creds_file_path"`
}

// Connect dials the configured NATS server. A zero-value Config.Address
// is treated as "broker transport disabled" by the caller; Connect itself
// always attempts to dial what it is given.
func Connect(cfg Config) (*Client, error) {
	var opts []nats.Option
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}
	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("broker: disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("broker: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Errorf("broker: async error: %v", err)
		}),
	)

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: connecting to %q: %w", cfg.Address, err)
	}

	log.Infof("broker: connected to %s", cfg.Address)
	return &Client{conn: nc}, nil
}

func subjectFor(t model.EventType) string {
	switch t {
	case model.EventAdmission:
		return subjectPrefix + "admission"
	case model.EventDischarge:
		return subjectPrefix + "discharge"
	case model.EventLabResult:
		return subjectPrefix + "lab_result"
	default:
		return subjectPrefix + "other"
	}
}

// Publish hands event off to the broker instead of dispatching it
// in-process. The orchestrator's decode stage calls this when the broker
// transport is enabled.
func (c *Client) Publish(event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("broker: encoding event for %q: %w", event.Identity, err)
	}

	msg := &nats.Msg{
		Subject: subjectFor(event.Type),
		Data:    payload,
		Header:  nats.Header{retryHeader: []string{"0"}},
	}
	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("broker: publishing event for %q: %w", event.Identity, err)
	}
	return nil
}

// Subscribe registers handler on every event subject. A handler failure
// is redelivered once (the retry count travels in a message header,
// mirroring the source's exploratory RabbitMQ consumer's retry-count
// convention); a second failure routes the event to the dead-letter
// subject instead of reprocessing it forever.
func (c *Client) Subscribe(handler Handler) error {
	for _, t := range []model.EventType{model.EventAdmission, model.EventDischarge, model.EventLabResult} {
		subject := subjectFor(t)
		sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
			c.deliver(msg, handler)
		})
		if err != nil {
			return fmt.Errorf("broker: subscribing to %q: %w", subject, err)
		}

		c.mu.Lock()
		c.subscriptions = append(c.subscriptions, sub)
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) deliver(msg *nats.Msg, handler Handler) {
	var event model.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Errorf("broker: discarding undecodable message on %q: %v", msg.Subject, err)
		return
	}

	if err := handler(event); err != nil {
		retryCount := retryCountOf(msg)
		if retryCount < maxRedeliveries {
			log.Warnf("broker: redelivering event for %q after handler error: %v", event.Identity, err)
			c.republishWithRetry(msg, retryCount+1)
			return
		}
		log.Errorf("broker: routing event for %q to dead letter after %d attempts: %v", event.Identity, retryCount+1, err)
		c.routeToDeadLetter(msg)
	}
}

func retryCountOf(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(retryHeader))
	if err != nil {
		return 0
	}
	return n
}

func (c *Client) republishWithRetry(msg *nats.Msg, count int) {
	retry := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
		Header:  nats.Header{retryHeader: []string{strconv.Itoa(count)}},
	}
	time.Sleep(50 * time.Millisecond) // brief pause so redelivery does not spin hot
	if err := c.conn.PublishMsg(retry); err != nil {
		log.Errorf("broker: republishing for retry failed: %v", err)
	}
}

func (c *Client) routeToDeadLetter(msg *nats.Msg) {
	dead := &nats.Msg{
		Subject: subjectPrefix + deadLetterSuffix,
		Data:    msg.Data,
		Header:  msg.Header,
	}
	if err := c.conn.PublishMsg(dead); err != nil {
		log.Errorf("broker: publishing to dead letter subject failed: %v", err)
	}
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscriptions {
		_ = sub.Unsubscribe()
	}
	c.subscriptions = nil
	c.conn.Close()
}
