package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akiops/aki-pipeline/internal/inference"
	"github.com/akiops/aki-pipeline/internal/mllp"
	"github.com/akiops/aki-pipeline/internal/pager"
	"github.com/akiops/aki-pipeline/pkg/model"
)

// fakeStore is an in-memory stand-in for *featurestore.Store scoped to
// what the orchestrator calls, so the dispatch protocol can be exercised
// without a real SQLite file.
type fakeStore struct {
	mu            sync.Mutex
	features      map[model.PatientIdentity]model.FeatureRecord
	known         map[model.PatientIdentity]bool
	failAdmission bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		features: make(map[model.PatientIdentity]model.FeatureRecord),
		known:    make(map[model.PatientIdentity]bool),
	}
}

func (f *fakeStore) ApplyAdmission(_ context.Context, identity model.PatientIdentity, sex model.Sex, age *int) (*model.FeatureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAdmission {
		return nil, errors.New("simulated storage fault")
	}

	if !f.known[identity] {
		f.known[identity] = true
		f.features[identity] = model.FeatureRecord{Identity: identity, Sex: sex, Age: age}
		return nil, nil
	}

	rec := f.features[identity]
	if sex != model.SexUnknown {
		rec.Sex = sex
	}
	if age != nil {
		rec.Age = age
	}
	rec.ReadyForInference = rec.Ready()
	f.features[identity] = rec
	snapshot := rec
	return &snapshot, nil
}

func (f *fakeStore) ApplyLabResult(_ context.Context, identity model.PatientIdentity, value float64, timestamp time.Time) (*model.FeatureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.known[identity] {
		f.known[identity] = true
		f.features[identity] = model.FeatureRecord{
			Identity: identity, Min: &value, Max: &value, Mean: &value,
			LastResultValue: &value, LatestResultTimestamp: &timestamp, SampleCount: 1,
		}
		return nil, nil
	}

	snapshot := f.features[identity]
	return &snapshot, nil
}

func (f *fakeStore) CommitFeature(_ context.Context, record model.FeatureRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features[record.Identity] = record
	return nil
}

func (f *fakeStore) Discharge(_ context.Context, identity model.PatientIdentity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[identity] = true
	return nil
}

func (f *fakeStore) snapshot(identity model.PatientIdentity) model.FeatureRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.features[identity]
}

func newTestOrchestrator(t *testing.T, store *fakeStore, predictor inference.Predictor, pagerAddr string) *Orchestrator {
	t.Helper()
	pc := pager.NewClient(pagerAddr)
	return New("unused", store, predictor, pc, nil)
}

func TestDispatchAdmissionThenLabResultBecomesReady(t *testing.T) {
	store := newFakeStore()
	predicted := false
	predictor := inference.PredictFunc(func(_ context.Context, _ model.Features) (model.Decision, error) {
		predicted = true
		return model.Decision{Positive: false}, nil
	})
	o := newTestOrchestrator(t, store, predictor, "http://127.0.0.1:0")

	dob := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	o.dispatch(context.Background(), model.Event{Type: model.EventAdmission, Identity: "1001", Sex: model.SexMale, DOB: &dob})

	ts := time.Now()
	value := 98.7
	o.dispatch(context.Background(), model.Event{Type: model.EventLabResult, Identity: "1001", Result: &value, Timestamp: &ts})

	rec := store.snapshot("1001")
	require.NotNil(t, rec.Mean)
	assert.Equal(t, 98.7, *rec.Mean)
	assert.Equal(t, 1, rec.SampleCount)
	assert.True(t, predicted, "a ready record must be handed to the predictor")
}

func TestDispatchLabResultFirstSeedsRecordNotReady(t *testing.T) {
	store := newFakeStore()
	predictor := inference.PredictFunc(func(_ context.Context, _ model.Features) (model.Decision, error) {
		return model.Decision{Positive: false}, nil
	})
	o := newTestOrchestrator(t, store, predictor, "http://127.0.0.1:0")

	ts := time.Now()
	value := 120.0
	o.dispatch(context.Background(), model.Event{Type: model.EventLabResult, Identity: "2001", Result: &value, Timestamp: &ts})

	rec := store.snapshot("2001")
	require.NotNil(t, rec.Mean)
	assert.Equal(t, 120.0, *rec.Mean)
	assert.False(t, rec.ReadyForInference)
}

func TestDispatchPositivePredictionPages(t *testing.T) {
	var pagerHits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagerHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeStore()
	age := 70
	store.features["3001"] = model.FeatureRecord{
		Identity: "3001", Sex: model.SexMale, Age: &age,
		Min: f64(1), Max: f64(1), Mean: f64(1), StdDev: f64(0), LastResultValue: f64(1),
		SampleCount: 1,
	}
	store.known["3001"] = true

	predictor := inference.PredictFunc(func(_ context.Context, _ model.Features) (model.Decision, error) {
		return model.Decision{Positive: true}, nil
	})
	o := newTestOrchestrator(t, store, predictor, server.URL)

	ts := time.Now()
	value := 2.0
	o.dispatch(context.Background(), model.Event{Type: model.EventLabResult, Identity: "3001", Result: &value, Timestamp: &ts})

	rec := store.snapshot("3001")
	assert.False(t, rec.ReadyForInference, "readiness must reset before commit after a dispatched inference")
	assert.Equal(t, 1, pagerHits)
}

func f64(v float64) *float64 { return &v }

func TestServeHandlesFrameAcrossOneRead(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	store := newFakeStore()
	predictor := inference.PredictFunc(func(_ context.Context, _ model.Features) (model.Decision, error) {
		return model.Decision{Positive: false}, nil
	})
	o := newTestOrchestrator(t, store, predictor, "http://127.0.0.1:0")
	o.readTimeout = 200 * time.Millisecond

	serverConn := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			serverConn <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	conn := <-serverConn
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.serve(ctx, conn)
		close(done)
	}()

	frame := mllp.Frame([]byte("MSH|^~\\&|SENDER|FAC|RECV|FAC|20250101000000||ADT^A01|1|P|2.3\rPID|1||1001||Doe^John||19900101|M\r"))
	_, err = clientConn.Write(frame)
	require.NoError(t, err)

	buf := make([]byte, 256)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "MSA|AA|12345")

	cancel()
	<-done
}

func TestServeDoesNotAcknowledgeFrameWhenStoreCommitFails(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	store := newFakeStore()
	store.failAdmission = true
	predictor := inference.PredictFunc(func(_ context.Context, _ model.Features) (model.Decision, error) {
		return model.Decision{Positive: false}, nil
	})
	o := newTestOrchestrator(t, store, predictor, "http://127.0.0.1:0")
	o.readTimeout = 200 * time.Millisecond

	serverConn := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			serverConn <- conn
		}
	}()

	clientConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()

	conn := <-serverConn
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		o.serve(ctx, conn)
		close(done)
	}()

	frame := mllp.Frame([]byte("MSH|^~\\&|SENDER|FAC|RECV|FAC|20250101000000||ADT^A01|1|P|2.3\rPID|1||1001||Doe^John||19900101|M\r"))
	_, err = clientConn.Write(frame)
	require.NoError(t, err)

	buf := make([]byte, 256)
	clientConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = clientConn.Read(buf)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "store commit failure must not be acknowledged")

	cancel()
	<-done
}

func TestRunAppliesReconnectBackoffAfterMidConnectionFault(t *testing.T) {
	store := newFakeStore()
	predictor := inference.PredictFunc(func(_ context.Context, _ model.Features) (model.Decision, error) {
		return model.Decision{Positive: false}, nil
	})
	o := newTestOrchestrator(t, store, predictor, "http://127.0.0.1:0")
	o.readTimeout = 50 * time.Millisecond
	o.reconnectBackoff = 150 * time.Millisecond

	var dialCount int32
	var secondDialAt time.Time
	firstDialAt := time.Now()

	o.dialFunc = func(_, _ string, _ time.Duration) (net.Conn, error) {
		n := atomic.AddInt32(&dialCount, 1)
		server, client := net.Pipe()
		if n == 1 {
			// Simulate a mid-connection fault: close the remote half right
			// away so the orchestrator's next Read fails with something
			// other than a timeout.
			go func() {
				time.Sleep(10 * time.Millisecond)
				server.Close()
			}()
		} else {
			secondDialAt = time.Now()
			go server.Close()
		}
		return client, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dialCount) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.GreaterOrEqual(t, secondDialAt.Sub(firstDialAt), o.reconnectBackoff)
}
