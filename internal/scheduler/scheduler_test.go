package scheduler

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruuvi/stationd/internal/cloudqueue"
	"github.com/ruuvi/stationd/internal/errors"
	itesting "github.com/ruuvi/stationd/internal/testing"
)

// gatedQueue blocks every Drain until release is closed.
type gatedQueue struct {
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	drains int
}

func newGatedQueue() *gatedQueue {
	return &gatedQueue{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (q *gatedQueue) Drain(ctx context.Context, deliver func(context.Context, cloudqueue.Request) error) (int, error) {
	q.mu.Lock()
	q.drains++
	q.mu.Unlock()
	q.entered <- struct{}{}
	<-q.release
	return 1, deliver(ctx, cloudqueue.Request{ID: "r", Type: cloudqueue.TypeCreate, Key: "k"})
}

func (q *gatedQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drains
}

type nopTransport struct{}

func (nopTransport) Deliver(context.Context, cloudqueue.Request) error { return nil }

type results struct {
	mu  sync.Mutex
	got []PassResult
}

func (r *results) add(res PassResult) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
}

func (r *results) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitEntered(t *testing.T, q *gatedQueue) {
	t.Helper()
	select {
	case <-q.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("pass never started")
	}
}

func TestTrigger_RequiresStart(t *testing.T) {
	s := New(newGatedQueue(), nopTransport{}, Config{})
	if err := s.RefreshImmediately(); !errors.Is(err, errors.ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestTrigger_DropsWhileInFlight(t *testing.T) {
	q := newGatedQueue()
	var res results
	s := New(q, nopTransport{}, Config{Interval: time.Hour, OnComplete: res.add})
	s.Start()
	defer s.Stop()

	if err := s.RefreshImmediately(); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	waitEntered(t, q)

	for i := 0; i < 3; i++ {
		if err := s.RefreshImmediately(); !errors.Is(err, errors.ErrSyncInFlight) {
			t.Errorf("overlapping refresh %d: %v", i, err)
		}
	}
	s.NotifyReachability(true)

	close(q.release)
	if err := itesting.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return res.len() == 1 }); err != nil {
		t.Fatal(err)
	}

	st := s.Stats()
	if st.Passes != 1 || st.Dropped != 4 || st.InFlight {
		t.Errorf("stats = %+v, want 1 pass and 4 dropped", st)
	}
	if q.count() != 1 {
		t.Errorf("drains = %d, want 1", q.count())
	}
	if got := res.got[0]; got.Trigger != TriggerManual || got.Delivered != 1 || got.Err != nil {
		t.Errorf("result = %+v", got)
	}

	// The next trigger after completion runs again.
	if err := s.RefreshImmediately(); err != nil {
		t.Errorf("refresh after completion: %v", err)
	}
	waitEntered(t, q)
}

func TestStop_SuppressesCompletion(t *testing.T) {
	q := newGatedQueue()
	var res results
	s := New(q, nopTransport{}, Config{Interval: time.Hour, OnComplete: res.add})
	s.Start()

	if err := s.RefreshImmediately(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	waitEntered(t, q)
	s.Stop()
	close(q.release)

	if err := itesting.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return s.Stats().Suppressed == 1 }); err != nil {
		t.Fatal(err)
	}
	if res.len() != 0 {
		t.Errorf("completion reported after stop: %+v", res.got)
	}
	if s.Running() {
		t.Error("scheduler still running")
	}
}

func TestStop_RestartDoesNotReportOldPass(t *testing.T) {
	q := newGatedQueue()
	var res results
	s := New(q, nopTransport{}, Config{Interval: time.Hour, OnComplete: res.add})
	s.Start()
	s.RefreshImmediately()
	waitEntered(t, q)

	s.Stop()
	s.Start()
	defer s.Stop()
	close(q.release)

	if err := itesting.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return s.Stats().Suppressed == 1 }); err != nil {
		t.Fatal(err)
	}
	if res.len() != 0 {
		t.Errorf("pass from a stopped generation was reported")
	}
}

func TestStartIdempotent(t *testing.T) {
	s := New(newGatedQueue(), nopTransport{}, Config{Interval: time.Hour})
	s.Start()
	s.Start()
	s.Start()
	if !s.Running() {
		t.Fatal("not running")
	}
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Fatal("still running after Stop")
	}
}

func TestTimerTriggers(t *testing.T) {
	q := newGatedQueue()
	close(q.release)
	var res results
	s := New(q, nopTransport{}, Config{Interval: time.Hour, OnComplete: res.add})
	s.minInterval = time.Millisecond
	s.SetInterval(20 * time.Millisecond)
	s.Start()
	defer s.Stop()

	if err := itesting.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return res.len() >= 2 }); err != nil {
		t.Fatal(err)
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.got[0].Trigger != TriggerTimer {
		t.Errorf("trigger = %v, want timer", res.got[0].Trigger)
	}
}

func TestSetInterval_Clamped(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"below minimum", time.Second, 10 * time.Second},
		{"zero", 0, 10 * time.Second},
		{"above minimum", 5 * time.Minute, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(newGatedQueue(), nopTransport{}, Config{})
			s.SetInterval(tt.in)
			if got := s.Interval(); got != tt.want {
				t.Errorf("Interval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNotifyReachability_OnlyTransitions(t *testing.T) {
	q := newGatedQueue()
	close(q.release)
	var res results
	s := New(q, nopTransport{}, Config{Interval: time.Hour, OnComplete: res.add})
	s.Start()
	defer s.Stop()

	s.NotifyReachability(true)
	if err := itesting.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return res.len() == 1 }); err != nil {
		t.Fatal(err)
	}

	// Staying connected does not trigger.
	s.NotifyReachability(true)
	s.NotifyReachability(false)
	time.Sleep(20 * time.Millisecond)
	if res.len() != 1 {
		t.Fatalf("passes = %d, want 1", res.len())
	}

	s.NotifyReachability(true)
	if err := itesting.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return res.len() == 2 }); err != nil {
		t.Fatal(err)
	}
	if res.got[1].Trigger != TriggerReachability {
		t.Errorf("trigger = %v", res.got[1].Trigger)
	}
}

func TestPass_DrainsQueueToOutbox(t *testing.T) {
	ctx := context.Background()
	q := cloudqueue.New(itesting.OpenRelational(t))
	q.Enqueue(ctx, cloudqueue.TypeCreate, "sensor/AA", map[string]any{"name": "Sauna"})
	q.Enqueue(ctx, cloudqueue.TypeDelete, "sensor/BB", nil)

	outbox := NewOutboxTransport(filepath.Join(t.TempDir(), "sync", "outbox.jsonl"))
	var res results
	s := New(q, outbox, Config{Interval: time.Hour, OnComplete: res.add})
	s.Start()
	defer s.Stop()

	if err := s.RefreshImmediately(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := itesting.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return res.len() == 1 }); err != nil {
		t.Fatal(err)
	}
	if got := res.got[0]; got.Delivered != 2 || got.Err != nil {
		t.Fatalf("result = %+v", got)
	}

	pending, _ := q.Pending(ctx)
	if len(pending) != 0 {
		t.Errorf("pending after pass = %d", len(pending))
	}

	f, err := os.Open(outbox.Path())
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	defer f.Close()

	var lines []cloudqueue.Request
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		req, err := UnmarshalRequest(sc.Bytes())
		if err != nil {
			t.Fatalf("UnmarshalRequest: %v", err)
		}
		lines = append(lines, req)
	}
	if len(lines) != 2 {
		t.Fatalf("outbox lines = %d, want 2", len(lines))
	}
	if lines[0].Key != "sensor/AA" || lines[0].Payload["name"] != "Sauna" || lines[0].Type != cloudqueue.TypeCreate {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if lines[1].Key != "sensor/BB" || lines[1].Payload != nil {
		t.Errorf("line 1 = %+v", lines[1])
	}
}

func TestMarshalRequest_RoundTrip(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	in := cloudqueue.Request{ID: "id-1", Type: cloudqueue.TypeDelete, Key: "k", CreatedAt: at, Payload: map[string]any{"n": 2.0}}

	line, err := MarshalRequest(in)
	if err != nil {
		t.Fatalf("MarshalRequest: %v", err)
	}
	out, err := UnmarshalRequest(line)
	if err != nil {
		t.Fatalf("UnmarshalRequest: %v", err)
	}
	if out.ID != in.ID || out.Type != in.Type || !out.CreatedAt.Equal(at) || out.Payload["n"] != 2.0 {
		t.Errorf("round trip = %+v", out)
	}
}
