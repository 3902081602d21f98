// Package orchestrator wires the frame reader, decoder, feature store,
// aggregator, inference stage, and pager client into the single pipeline
// the source system's main.go drives: connect, read, decode, dispatch,
// acknowledge, reconnect on fault, and drain cleanly on shutdown.
package orchestrator

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/akiops/aki-pipeline/internal/errs"
	"github.com/akiops/aki-pipeline/internal/hl7"
	"github.com/akiops/aki-pipeline/internal/inference"
	"github.com/akiops/aki-pipeline/internal/mllp"
	"github.com/akiops/aki-pipeline/internal/pager"
	"github.com/akiops/aki-pipeline/pkg/aggregator"
	"github.com/akiops/aki-pipeline/pkg/log"
	"github.com/akiops/aki-pipeline/pkg/model"
)

const (
	defaultReadTimeout      = 20 * time.Second
	defaultReconnectBackoff = 10 * time.Second
	readBufferSize          = 4096
)

// featureStore is the subset of *featurestore.Store the orchestrator
// drives per event; narrowed to an interface so tests can substitute a
// fake without a real SQLite file.
type featureStore interface {
	ApplyAdmission(ctx context.Context, identity model.PatientIdentity, sex model.Sex, age *int) (*model.FeatureRecord, error)
	ApplyLabResult(ctx context.Context, identity model.PatientIdentity, value float64, timestamp time.Time) (*model.FeatureRecord, error)
	CommitFeature(ctx context.Context, record model.FeatureRecord) error
	Discharge(ctx context.Context, identity model.PatientIdentity) error
}

// Health receives connection-fault observations; *metrics.Server
// satisfies this.
type Health interface {
	NoteConnectionError()
}

// Orchestrator owns the upstream MLLP connection and drives one event at
// a time through the pipeline.
type Orchestrator struct {
	address   string
	store     featureStore
	predictor inference.Predictor
	pagerC    *pager.Client
	health    Health
	publish   func(model.Event) error

	readTimeout      time.Duration
	reconnectBackoff time.Duration
	dialFunc         func(network, address string, timeout time.Duration) (net.Conn, error)
}

// New builds an Orchestrator against the upstream address.
func New(address string, store featureStore, predictor inference.Predictor, pagerC *pager.Client, health Health) *Orchestrator {
	return &Orchestrator{
		address:          address,
		store:            store,
		predictor:        predictor,
		pagerC:           pagerC,
		health:           health,
		readTimeout:      defaultReadTimeout,
		reconnectBackoff: defaultReconnectBackoff,
		dialFunc:         net.DialTimeout,
	}
}

// UsePublisher switches the decode stage from dispatching events
// in-process to handing them to publish instead (per §4.7.1, the opt-in
// broker transport). publish is typically *broker.Client.Publish; the
// broker's own Subscribe callback is expected to call Dispatch to
// complete the round trip.
func (o *Orchestrator) UsePublisher(publish func(model.Event) error) {
	o.publish = publish
}

// serveOutcome distinguishes why serve returned, since only some of its
// exits call for the 10-second reconnect backoff (§4.7: a read timeout
// reconnects silently; any other socket fault waits before reconnecting).
type serveOutcome int

const (
	outcomeShutdown serveOutcome = iota
	outcomeTimeout
	outcomeFault
)

// Run drives the connect/read/reconnect loop until ctx is cancelled. It
// returns nil on a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := o.dialFunc("tcp", o.address, o.readTimeout)
		if err != nil {
			log.Errorf("orchestrator: dialing %s: %v", o.address, err)
			if o.health != nil {
				o.health.NoteConnectionError()
			}
			if !sleepOrDone(ctx, o.reconnectBackoff) {
				return nil
			}
			continue
		}

		log.Infof("orchestrator: connected to %s", o.address)
		outcome := o.serve(ctx, conn)
		conn.Close()

		switch outcome {
		case outcomeShutdown:
			return nil
		case outcomeTimeout:
			continue
		default:
			if !sleepOrDone(ctx, o.reconnectBackoff) {
				return nil
			}
		}
	}
}

// serve drains one connection until it errors, a read times out, or ctx
// is cancelled.
func (o *Orchestrator) serve(ctx context.Context, conn net.Conn) serveOutcome {
	reader := mllp.NewReader()
	ack := mllp.Frame([]byte(upstreamAck))
	var leftover []byte
	buf := make([]byte, readBufferSize)

	for {
		if ctx.Err() != nil {
			return outcomeShutdown
		}

		conn.SetReadDeadline(time.Now().Add(o.readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Debugf("orchestrator: read timeout, reconnecting silently")
				onSocketTimeout()
				return outcomeTimeout
			}
			log.Errorf("orchestrator: connection fault: %v", err)
			if o.health != nil {
				o.health.NoteConnectionError()
			}
			return outcomeFault
		}

		leftover = append(leftover, buf[:n]...)

		var frames [][]byte
		frames, leftover = reader.Feed(leftover)

		for _, frame := range frames {
			if ctx.Err() != nil {
				return outcomeShutdown
			}

			if !o.handleFrame(ctx, frame) {
				// StorageFault or publish failure: do not acknowledge, so
				// the upstream resends the frame.
				continue
			}

			if _, err := conn.Write(ack); err != nil {
				log.Errorf("orchestrator: writing acknowledgement: %v", err)
				if o.health != nil {
					o.health.NoteConnectionError()
				}
				return outcomeFault
			}
		}
	}
}

const upstreamAck = "MSH|^~\\&|ACK_APP|ACK_FAC|SIMULATOR|SIM_FAC|20250129090000||ACK|12345|P|2.3\rMSA|AA|12345\r"

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// handleFrame decodes and dispatches one frame, per the per-event
// protocol in §4.7: a decode error is counted and acknowledged (no
// retry), never fatal to the connection. It reports whether the event
// committed successfully; serve's caller must not acknowledge the frame
// when it did not, per §7's StorageFault contract, so the upstream
// resends it.
func (o *Orchestrator) handleFrame(ctx context.Context, frame []byte) bool {
	start := time.Now()
	event, err := hl7.Decode(frame, time.Now())
	if err != nil {
		var de *hl7.DecodeError
		if errors.As(err, &de) {
			log.Warnf("orchestrator: decode error: %v", err)
			onDecodeError()
			return true
		}
		log.Errorf("orchestrator: unexpected decode failure: %v", err)
		onDecodeError()
		return true
	}

	if event.Type == model.EventUnknown {
		log.Warnf("orchestrator: unknown message type for %q, not dispatched", event.Identity)
		onMessageProcessed(event.Type, time.Since(start))
		return true
	}

	var ok bool
	if o.publish != nil {
		if err := o.publish(event); err != nil {
			log.Errorf("orchestrator: publishing event for %q to broker: %v", event.Identity, err)
			onStorageFault()
			ok = false
		} else {
			ok = true
		}
	} else {
		ok = o.dispatch(ctx, event)
	}

	onMessageProcessed(event.Type, time.Since(start))
	return ok
}

// Dispatch applies one already-decoded event. It is exported so the
// broker transport's subscribe callback can hand events to the same
// protocol the in-process MLLP path drives through dispatch: when a
// broker is configured, handleFrame publishes instead of calling
// dispatch directly, and the broker's Subscribe callback calls Dispatch
// to complete the round trip.
func (o *Orchestrator) Dispatch(ctx context.Context, event model.Event) error {
	start := time.Now()
	ok := o.dispatch(ctx, event)
	onMessageProcessed(event.Type, time.Since(start))
	if !ok {
		return errs.StorageFault
	}
	return nil
}

// dispatch applies one decoded event per §4.7: admission and discharge
// mutate the store directly; a lab result seeds the store on first
// sighting or folds into the prior record, runs inference when the fold
// completes the readiness picture, pages on a positive verdict, and
// resets readiness before committing so each completing sample triggers
// inference exactly once. It reports whether the store mutation
// succeeded.
func (o *Orchestrator) dispatch(ctx context.Context, event model.Event) bool {
	switch event.Type {
	case model.EventAdmission:
		if _, err := o.store.ApplyAdmission(ctx, event.Identity, event.Sex, ageFromDOB(event)); err != nil {
			log.Errorf("orchestrator: applying admission for %q: %v", event.Identity, err)
			onStorageFault()
			return false
		}
		return true

	case model.EventDischarge:
		if err := o.store.Discharge(ctx, event.Identity); err != nil {
			log.Errorf("orchestrator: discharging %q: %v", event.Identity, err)
			onStorageFault()
			return false
		}
		return true

	case model.EventLabResult:
		return o.dispatchLabResult(ctx, event)

	default:
		// Ack messages are not dispatched; unknown types are filtered
		// out by handleFrame before dispatch is ever called.
		return true
	}
}

func (o *Orchestrator) dispatchLabResult(ctx context.Context, event model.Event) bool {
	prior, err := o.store.ApplyLabResult(ctx, event.Identity, *event.Result, *event.Timestamp)
	if err != nil {
		log.Errorf("orchestrator: applying lab result for %q: %v", event.Identity, err)
		onStorageFault()
		return false
	}
	if prior == nil {
		// First sighting: the store already committed the single-sample seed.
		return true
	}

	next := aggregator.Apply(*prior, *event.Result, event.Timestamp)
	wasReady := next.ReadyForInference

	if wasReady {
		o.runInference(ctx, next)
		next.ReadyForInference = false
	}

	if err := o.store.CommitFeature(ctx, next); err != nil {
		log.Errorf("orchestrator: committing feature record for %q: %v", event.Identity, err)
		onStorageFault()
		return false
	}
	return true
}

func (o *Orchestrator) runInference(ctx context.Context, rec model.FeatureRecord) {
	decision, err := o.predictor.Predict(ctx, model.FromFeatureRecord(rec))
	if err != nil {
		log.Errorf("orchestrator: predict error for %q: %v", rec.Identity, err)
		onPredictError()
		return
	}

	onPrediction(decision.Positive)
	if !decision.Positive {
		return
	}

	timestamp := time.Now()
	if rec.LatestResultTimestamp != nil {
		timestamp = *rec.LatestResultTimestamp
	}

	outcome := o.pagerC.Notify(ctx, rec.Identity, timestamp)
	onPagerOutcome(outcome)
}

func ageFromDOB(event model.Event) *int {
	if event.DOB == nil {
		return nil
	}
	age := hl7.Age(*event.DOB, time.Now())
	return &age
}
