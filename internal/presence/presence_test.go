package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/directory"
	"github.com/alfredjeanlab/switchboard/internal/model"
)

// recorder is a Publisher that keeps every request.
type recorder struct {
	mu   sync.Mutex
	reqs []model.PublishRequest
	err  error
}

func (r *recorder) Publish(_ context.Context, req model.PublishRequest) (*model.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.reqs = append(r.reqs, req)
	return &model.Envelope{Type: req.Type, ResourceID: req.ResourceID}, nil
}

func (r *recorder) all() []model.PublishRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PublishRequest(nil), r.reqs...)
}

// manualClock is a Scheduler whose timers only fire on Advance.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) schedule(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tm := &manualTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, tm)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if tm.stopped || tm.fired {
			return false
		}
		tm.stopped = true
		return true
	}
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired && tm.at <= c.now {
			tm.fired = true
			due = append(due, tm)
		}
	}
	c.mu.Unlock()
	for _, tm := range due {
		tm.f()
	}
}

func newDir() *directory.Static {
	d := directory.NewStatic()
	d.Set(directory.Membership{UserID: "u1", Servers: []string{"s1", "s2"}})
	return d
}

func decodePresence(t *testing.T, req model.PublishRequest) Payload {
	t.Helper()
	data, err := json.Marshal(req.Payload)
	if err != nil {
		t.Fatal(err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCoalescer_CollapsesBurst(t *testing.T) {
	rec := &recorder{}
	clk := &manualClock{}
	c := NewCoalescer(rec, newDir(), 2*time.Second, clk.schedule)

	for _, s := range []string{StatusIdle, StatusDND, StatusOnline, StatusIdle} {
		c.Notify("u1", Update{Status: s}, false)
		clk.Advance(500 * time.Millisecond)
	}
	if got := len(rec.all()); got != 0 {
		t.Fatalf("published %d before the window elapsed", got)
	}
	if u, ok := c.Pending("u1"); !ok || u.Status != StatusIdle {
		t.Fatalf("Pending = %+v, %v", u, ok)
	}

	clk.Advance(2 * time.Second)
	reqs := rec.all()
	if len(reqs) != 2 {
		t.Fatalf("published %d requests, want one per server (2)", len(reqs))
	}
	resources := map[string]bool{}
	for _, r := range reqs {
		if r.Type != model.TypePresenceUpdate || r.ActorID != "u1" {
			t.Errorf("request = %+v", r)
		}
		if p := decodePresence(t, r); p.Status != StatusIdle || p.UserID != "u1" {
			t.Errorf("payload = %+v, want the last update", p)
		}
		resources[r.ResourceID] = true
	}
	if !resources["server:s1"] || !resources["server:s2"] {
		t.Errorf("resources = %v", resources)
	}
	if _, ok := c.Pending("u1"); ok {
		t.Error("pending entry not cleared after firing")
	}

	clk.Advance(10 * time.Second)
	if got := len(rec.all()); got != 2 {
		t.Errorf("fired again: %d requests", got)
	}
}

func TestCoalescer_Immediate(t *testing.T) {
	rec := &recorder{}
	clk := &manualClock{}
	c := NewCoalescer(rec, newDir(), 2*time.Second, clk.schedule)

	c.Notify("u1", Update{Status: StatusIdle}, false)
	c.Notify("u1", Update{Status: StatusOffline}, true)

	reqs := rec.all()
	if len(reqs) != 2 {
		t.Fatalf("immediate notify published %d, want 2", len(reqs))
	}
	if p := decodePresence(t, reqs[0]); p.Status != StatusOffline {
		t.Errorf("status = %s, want offline", p.Status)
	}

	// The superseded idle update never fires.
	clk.Advance(5 * time.Second)
	if got := len(rec.all()); got != 2 {
		t.Errorf("superseded update fired: %d requests", got)
	}
}

// holdingPublisher blocks its first Publish until release is closed.
type holdingPublisher struct {
	recorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *holdingPublisher) Publish(ctx context.Context, req model.PublishRequest) (*model.Envelope, error) {
	h.once.Do(func() {
		close(h.entered)
		<-h.release
	})
	return h.recorder.Publish(ctx, req)
}

func TestCoalescer_ImmediateFiresKeepNotifyOrder(t *testing.T) {
	pub := &holdingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	dir := directory.NewStatic()
	dir.Set(directory.Membership{UserID: "u1", Servers: []string{"s1"}})
	c := NewCoalescer(pub, dir, time.Second, nil)
	defer c.Stop()

	var wg sync.WaitGroup
	notify := func(status string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Notify("u1", Update{Status: status}, true)
		}()
	}

	notify(StatusOnline)
	<-pub.entered
	// A quick disconnect and reconnect while the first publish is in flight.
	notify(StatusOffline)
	waitRefs(t, c, "u1", 2)
	notify(StatusOnline)
	waitRefs(t, c, "u1", 3)
	close(pub.release)
	wg.Wait()

	var got []string
	for _, r := range pub.all() {
		got = append(got, decodePresence(t, r).Status)
	}
	if len(got) != 2 || got[0] != StatusOnline || got[1] != StatusOnline {
		t.Errorf("published %v, want [online online] with the superseded offline skipped", got)
	}

	c.mu.Lock()
	n := len(c.users)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("%d user entries left after fires finished", n)
	}
}

func waitRefs(t *testing.T, c *Coalescer, userID string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		uf := c.users[userID]
		ok := uf != nil && uf.refs == n
		c.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d fires queued for %s", n, userID)
}

func TestCoalescer_IndependentUsers(t *testing.T) {
	rec := &recorder{}
	clk := &manualClock{}
	dir := newDir()
	dir.Set(directory.Membership{UserID: "u2", Servers: []string{"s1"}})
	c := NewCoalescer(rec, dir, time.Second, clk.schedule)

	c.Notify("u1", Update{Status: StatusIdle}, false)
	c.Notify("u2", Update{Status: StatusDND}, false)
	clk.Advance(time.Second)

	if got := len(rec.all()); got != 3 {
		t.Errorf("published %d, want 3 (2 for u1, 1 for u2)", got)
	}
}

func TestCoalescer_NoServers(t *testing.T) {
	rec := &recorder{}
	c := NewCoalescer(rec, directory.NewStatic(), time.Second, (&manualClock{}).schedule)
	c.Notify("loner", Update{Status: StatusOnline}, true)
	if got := len(rec.all()); got != 0 {
		t.Errorf("published %d for a user with no servers", got)
	}
}

func TestCoalescer_Stop(t *testing.T) {
	rec := &recorder{}
	clk := &manualClock{}
	c := NewCoalescer(rec, newDir(), time.Second, clk.schedule)

	c.Notify("u1", Update{Status: StatusIdle}, false)
	c.Stop()
	clk.Advance(time.Minute)
	c.Notify("u1", Update{Status: StatusOnline}, true)

	if got := len(rec.all()); got != 0 {
		t.Errorf("published %d after Stop", got)
	}
}

func TestCoalescer_RealTimer(t *testing.T) {
	rec := &recorder{}
	c := NewCoalescer(rec, newDir(), 20*time.Millisecond, nil)
	defer c.Stop()

	c.Notify("u1", Update{Status: StatusIdle}, false)
	c.Notify("u1", Update{Status: StatusDND}, false)

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	reqs := rec.all()
	if len(reqs) != 2 {
		t.Fatalf("published %d, want 2", len(reqs))
	}
	if p := decodePresence(t, reqs[0]); p.Status != StatusDND {
		t.Errorf("status = %s, want dnd", p.Status)
	}
}

func TestValidClientStatus(t *testing.T) {
	for s, want := range map[string]bool{
		StatusOnline: true, StatusIdle: true, StatusDND: true, StatusInvisible: true,
		StatusOffline: false, "": false, "away": false,
	} {
		if got := ValidClientStatus(s); got != want {
			t.Errorf("ValidClientStatus(%q) = %v, want %v", s, got, want)
		}
	}
}

func typesOf(reqs []model.PublishRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Type
	}
	return out
}

func TestTyping_AutoStop(t *testing.T) {
	rec := &recorder{}
	clk := &manualClock{}
	ty := NewTyping(rec, 8*time.Second, clk.schedule)
	ctx := context.Background()

	if err := ty.Start(ctx, "u1", "channel:1"); err != nil {
		t.Fatal(err)
	}
	if !ty.Active("u1", "channel:1") {
		t.Fatal("indicator not active after start")
	}
	clk.Advance(8 * time.Second)

	got := typesOf(rec.all())
	if len(got) != 2 || got[0] != model.TypeTypingStart || got[1] != model.TypeTypingStop {
		t.Fatalf("published %v, want [start stop]", got)
	}
	if ty.Active("u1", "channel:1") {
		t.Error("indicator still active after auto-stop")
	}
}

func TestTyping_StartResetsTimer(t *testing.T) {
	rec := &recorder{}
	clk := &manualClock{}
	ty := NewTyping(rec, 8*time.Second, clk.schedule)
	ctx := context.Background()

	ty.Start(ctx, "u1", "channel:1")
	clk.Advance(6 * time.Second)
	ty.Start(ctx, "u1", "channel:1")
	clk.Advance(6 * time.Second)

	if got := typesOf(rec.all()); len(got) != 2 {
		t.Fatalf("published %v, want two starts and no stop yet", got)
	}
	clk.Advance(2 * time.Second)
	got := typesOf(rec.all())
	if len(got) != 3 || got[2] != model.TypeTypingStop {
		t.Fatalf("published %v, want a single trailing stop", got)
	}
}

func TestTyping_ExplicitStopCancelsTimer(t *testing.T) {
	rec := &recorder{}
	clk := &manualClock{}
	ty := NewTyping(rec, 8*time.Second, clk.schedule)
	ctx := context.Background()

	ty.Start(ctx, "u1", "channel:1")
	if err := ty.Stop(ctx, "u1", "channel:1"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)

	got := typesOf(rec.all())
	if len(got) != 2 || got[1] != model.TypeTypingStop {
		t.Fatalf("published %v, want [start stop] with no duplicate stop", got)
	}
}

func TestTyping_StopAll(t *testing.T) {
	rec := &recorder{}
	clk := &manualClock{}
	ty := NewTyping(rec, 8*time.Second, clk.schedule)
	ctx := context.Background()

	ty.Start(ctx, "u1", "channel:1")
	ty.Start(ctx, "u1", "dm:9")
	ty.Start(ctx, "u2", "channel:1")
	ty.StopAll(ctx, "u1")

	stops := 0
	for _, r := range rec.all() {
		if r.Type == model.TypeTypingStop {
			if r.ActorID != "u1" {
				t.Errorf("stopped %s's indicator", r.ActorID)
			}
			stops++
		}
	}
	if stops != 2 {
		t.Errorf("stops = %d, want 2", stops)
	}
	if !ty.Active("u2", "channel:1") {
		t.Error("u2's indicator was cancelled")
	}
}

func TestTyping_PublishError(t *testing.T) {
	rec := &recorder{err: errors.New("bus down")}
	clk := &manualClock{}
	ty := NewTyping(rec, time.Second, clk.schedule)

	if err := ty.Start(context.Background(), "u1", "channel:1"); err == nil {
		t.Fatal("expected error")
	}
	if ty.Active("u1", "channel:1") {
		t.Error("failed start should not schedule a stop")
	}
}
