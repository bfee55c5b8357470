package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/resi-gateway/pkg/auth"
	"github.com/resi-gateway/pkg/protocol"
	"github.com/resi-gateway/pkg/types"
)

type fakeConn struct {
	closed atomic.Bool
}

func (c *fakeConn) Send(*protocol.Message) error { return nil }
func (c *fakeConn) SendFrame(string, []byte, bool) error { return nil }
func (c *fakeConn) Close() error { c.closed.Store(true); return nil }
func (c *fakeConn) RemoteAddr() string { return "fake" }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clk *clock) *Registry {
	return New(auth.NewTokenIssuer("test-secret", 0), Options{
		HeartbeatInterval: 30 * time.Second,
		Now:               clk.Now,
	})
}

var usLoc = types.Location{Country: "us", City: "Chicago"}

func TestRegisterIdempotentPerFingerprint(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(1000, 0)})

	id1, tok1, err := r.Register("fp-1", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	id2, tok2, err := r.Register("fp-1", "", types.Capabilities{MaxConcurrency: 4}, types.Location{Country: "DE"})
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same node id on re-register, got %s and %s", id1, id2)
	}
	if tok1 == tok2 {
		t.Fatalf("expected token rotation on re-register")
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected one node, got %d", len(r.List()))
	}

	// The old token no longer validates.
	if _, err := r.Heartbeat(id1, tok1, types.NodeStats{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected old token to be unauthorized, got %v", err)
	}
	cfg, err := r.Heartbeat(id1, tok2, types.NodeStats{})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if cfg.MaxConcurrency != 4 || cfg.HeartbeatInterval != 30 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	// Location change moves the node between country indexes.
	if n := len(r.Candidates("US")); n != 0 {
		t.Fatalf("expected no US candidates after relocation, got %d", n)
	}
	if n := len(r.Candidates("de")); n != 1 {
		t.Fatalf("expected one DE candidate, got %d", n)
	}
}

func TestHeartbeatErrors(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(1000, 0)})
	id, _, err := r.Register("fp-1", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Heartbeat("missing", "x", types.NodeStats{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Heartbeat(id, "bogus", types.NodeStats{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// A token for another node does not validate.
	_, other, err := r.Register("fp-2", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Heartbeat(id, other, types.NodeStats{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected cross-node token to be unauthorized, got %v", err)
	}
}

func TestHeartbeatLivenessTiming(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	r := newTestRegistry(clk)
	id, tok, err := r.Register("fp-1", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Attach(id, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Regular heartbeats keep the node available.
	for i := 0; i < 5; i++ {
		clk.Advance(30 * time.Second)
		if _, err := r.Heartbeat(id, tok, types.NodeStats{}); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		r.Sweep()
	}

	// Node goes silent: not offline before 3x interval ...
	clk.Advance(89 * time.Second)
	if marked := r.Sweep(); len(marked) != 0 {
		t.Fatalf("expected node still alive at 89s, marked=%v", marked)
	}
	c, _ := r.Get(id)
	if c.Node.Status != types.StatusAvailable {
		t.Fatalf("expected available, got %s", c.Node.Status)
	}

	// ... and offline by the next sweep after it.
	clk.Advance(10 * time.Second)
	marked := r.Sweep()
	if len(marked) != 1 || marked[0] != id {
		t.Fatalf("expected node marked offline, got %v", marked)
	}
	c, _ = r.Get(id)
	if c.Node.Status != types.StatusOffline {
		t.Fatalf("expected offline, got %s", c.Node.Status)
	}

	// A late heartbeat on the live connection brings it back.
	if _, err := r.Heartbeat(id, tok, types.NodeStats{}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	c, _ = r.Get(id)
	if c.Node.Status != types.StatusAvailable {
		t.Fatalf("expected available after heartbeat, got %s", c.Node.Status)
	}
}

func TestBlacklistIsTerminal(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(1000, 0)})
	id, tok, err := r.Register("fp-1", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	conn := &fakeConn{}
	if err := r.Attach(id, conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := r.Blacklist(id); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if !conn.closed.Load() {
		t.Fatalf("expected blacklisted node connection to be closed")
	}
	if _, _, err := r.Register("fp-1", "", types.Capabilities{}, usLoc); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("expected re-register to fail, got %v", err)
	}
	if _, err := r.Heartbeat(id, tok, types.NodeStats{}); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("expected heartbeat to fail, got %v", err)
	}
	if err := r.MarkOffline(id); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	r.Detach(id, conn)
	c, _ := r.Get(id)
	if c.Node.Status != types.StatusBlacklisted {
		t.Fatalf("expected blacklisted to stick, got %s", c.Node.Status)
	}
	if err := r.Blacklist("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAttachDetach(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(1000, 0)})
	id, _, err := r.Register("fp-1", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	first, second := &fakeConn{}, &fakeConn{}
	_ = r.Attach(id, first)
	_ = r.Attach(id, second)
	if !first.closed.Load() {
		t.Fatalf("expected replaced connection to be closed")
	}
	if r.Detach(id, first) {
		t.Fatalf("stale connection must not detach the node")
	}
	if !r.Detach(id, second) {
		t.Fatalf("expected current connection to detach")
	}
	c, _ := r.Get(id)
	if c.Node.Connected || c.Node.Status != types.StatusOffline {
		t.Fatalf("expected disconnected offline node, got %+v", c.Node)
	}
}

func TestAcquireRelease(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(1000, 0)})
	id, _, err := r.Register("fp-1", "", types.Capabilities{MaxConcurrency: 2}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Acquire(id, false) {
		t.Fatalf("expected acquire to fail without a connection")
	}
	_ = r.Attach(id, &fakeConn{})

	if !r.Acquire(id, false) || !r.Acquire(id, false) {
		t.Fatalf("expected two slots")
	}
	c, _ := r.Get(id)
	if c.Node.Status != types.StatusBusy {
		t.Fatalf("expected busy at capacity, got %s", c.Node.Status)
	}
	if r.Acquire(id, false) {
		t.Fatalf("expected busy node to refuse non-sticky acquire")
	}
	if !r.Acquire(id, true) {
		t.Fatalf("expected sticky acquire on busy node")
	}
	r.Release(id)
	r.Release(id)
	c, _ = r.Get(id)
	if c.Node.Status != types.StatusAvailable || c.Node.InFlight != 1 {
		t.Fatalf("expected available with one in flight, got %s/%d", c.Node.Status, c.Node.InFlight)
	}
}

func TestSweepPrunesAfterRetention(t *testing.T) {
	clk := &clock{now: time.Unix(1000, 0)}
	r := New(auth.NewTokenIssuer("s", 0), Options{HeartbeatInterval: 30 * time.Second, Retention: time.Hour, Now: clk.Now})
	id, _, err := r.Register("fp-1", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	clk.Advance(2 * time.Minute)
	r.Sweep()
	clk.Advance(2 * time.Hour)
	r.Sweep()
	if _, ok := r.Get(id); ok {
		t.Fatalf("expected node pruned after retention")
	}
	if n := len(r.Candidates("US")); n != 0 {
		t.Fatalf("expected country index cleaned, got %d", n)
	}
	id2, _, err := r.Register("fp-1", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id2 == id {
		t.Fatalf("expected a fresh node id after pruning")
	}
}

func TestConcurrentRegisterSameFingerprint(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(1000, 0)})
	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := r.Register("fp-shared", "", types.Capabilities{}, usLoc)
			if err != nil {
				t.Errorf("Register: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected a single node id, got %v", ids)
		}
	}
}

func TestMarkOfflineSurvivesHeartbeat(t *testing.T) {
	r := newTestRegistry(&clock{now: time.Unix(1000, 0)})
	id, tok, err := r.Register("fp-1", "", types.Capabilities{}, usLoc)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Attach(id, &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := r.MarkOffline(id); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	if _, err := r.Heartbeat(id, tok, types.NodeStats{}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	c, _ := r.Get(id)
	if c.Node.Status != types.StatusOffline {
		t.Fatalf("expected operator offline to survive a heartbeat, got %s", c.Node.Status)
	}
	if r.Acquire(id, false) {
		t.Fatalf("expected no slot while held offline")
	}

	if _, _, err := r.Register("fp-1", "", types.Capabilities{}, usLoc); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	c, _ = r.Get(id)
	if c.Node.Status != types.StatusAvailable {
		t.Fatalf("expected re-registration to release the node, got %s", c.Node.Status)
	}
}

func TestRegisterVersionGate(t *testing.T) {
	r := New(auth.NewTokenIssuer("test-secret", 0), Options{MinVersion: "1.0.62"})

	for _, v := range []string{"", "dev", "1.0.61", "v0.9.99", "1.0"} {
		if _, _, err := r.Register("fp-old", v, types.Capabilities{}, usLoc); !errors.Is(err, ErrUnsupportedVersion) {
			t.Fatalf("expected version %q rejected, got %v", v, err)
		}
	}
	for _, v := range []string{"1.0.62", "v1.0.63", "1.1.0", "2.0.0"} {
		id, _, err := r.Register("fp-"+v, v, types.Capabilities{}, usLoc)
		if err != nil {
			t.Fatalf("expected version %q accepted, got %v", v, err)
		}
		c, _ := r.Get(id)
		if c.Node.Version != v {
			t.Fatalf("expected version recorded, got %q", c.Node.Version)
		}
	}

	open := newTestRegistry(&clock{now: time.Unix(1000, 0)})
	if _, _, err := open.Register("fp-any", "dev", types.Capabilities{}, usLoc); err != nil {
		t.Fatalf("expected any version without a minimum, got %v", err)
	}
}
