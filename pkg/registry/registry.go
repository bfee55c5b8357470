// Package registry tracks every node known to the gateway: identity, live
// connection handle, declared capabilities, location and health.
//
// Nodes are spread over fixed shards keyed by node id so unrelated nodes never
// contend on the same lock. A secondary index by country keeps candidate
// lookup proportional to the number of matching nodes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/resi-gateway/pkg/auth"
	"github.com/resi-gateway/pkg/logging"
	"github.com/resi-gateway/pkg/transport"
	"github.com/resi-gateway/pkg/types"
	"golang.org/x/mod/semver"
)

const shardCount = 32

var (
	ErrNotFound     = errors.New("node not found")
	ErrUnauthorized = errors.New("node token mismatch")
	ErrBlacklisted  = errors.New("node blacklisted")
	// ErrUnsupportedVersion rejects agents older than Options.MinVersion.
	ErrUnsupportedVersion = errors.New("node version not supported")
)

// Options registry tuning
type Options struct {
	HeartbeatInterval     time.Duration
	LivenessTimeout       time.Duration // default 3x HeartbeatInterval
	Retention             time.Duration // offline, disconnected nodes are pruned after this
	DefaultMaxConcurrency int
	MinVersion            string // oldest agent version accepted, empty accepts all
	Now                   func() time.Time
}

// Candidate pairs a node snapshot with its connection handle. The handle is
// borrowed; the registry owns it.
type Candidate struct {
	Node types.Node
	Conn transport.Conn
}

type entry struct {
	mu      sync.Mutex
	node    types.Node
	tokenID string
	conn    transport.Conn
	held    bool // set offline by an operator; heartbeats do not bring it back
}

func (e *entry) candidate() Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Candidate{Node: e.node, Conn: e.conn}
}

type shard struct {
	mu    sync.RWMutex
	nodes map[string]*entry
}

// Registry is safe for concurrent use.
type Registry struct {
	opts   Options
	tokens *auth.TokenIssuer
	shards [shardCount]*shard

	// fpMu serializes Register so a fingerprint maps to exactly one node id.
	fpMu          sync.Mutex
	byFingerprint map[string]string

	idxMu     sync.RWMutex
	byCountry map[string]map[string]*entry
}

func New(tokens *auth.TokenIssuer, opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.DefaultMaxConcurrency <= 0 {
		opts.DefaultMaxConcurrency = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MinVersion != "" {
		opts.MinVersion = canonicalVersion(opts.MinVersion)
	}
	r := &Registry{
		opts:          opts,
		tokens:        tokens,
		byFingerprint: make(map[string]string),
		byCountry:     make(map[string]map[string]*entry),
	}
	for i := range r.shards {
		r.shards[i] = &shard{nodes: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(nodeID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(nodeID string) *entry {
	s := r.shardFor(nodeID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID]
}

func (r *Registry) normalizeCaps(c types.Capabilities) types.Capabilities {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = r.opts.DefaultMaxConcurrency
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []types.Protocol{types.ProtocolHTTP, types.ProtocolHTTPS}
	}
	return c
}

// canonicalVersion accepts "1.2.3" as well as "v1.2.3".
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && v[0] != 'v' {
		v = "v" + v
	}
	return v
}

// VersionAllowed reports whether an agent reporting version may register.
func (r *Registry) VersionAllowed(version string) bool {
	if r.opts.MinVersion == "" {
		return true
	}
	v := canonicalVersion(version)
	return semver.IsValid(v) && semver.Compare(v, r.opts.MinVersion) >= 0
}

// Register creates a node in available status, or re-registers the node that
// already owns fingerprint: same node id, fresh token, updated metadata.
func (r *Registry) Register(fingerprint, version string, caps types.Capabilities, loc types.Location) (nodeID, token string, err error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return "", "", fmt.Errorf("register: empty device fingerprint")
	}
	if !r.VersionAllowed(version) {
		return "", "", fmt.Errorf("%w: %q, need %s or newer", ErrUnsupportedVersion, version, r.opts.MinVersion)
	}
	caps = r.normalizeCaps(caps)
	loc = loc.Normalize()

	r.fpMu.Lock()
	defer r.fpMu.Unlock()
	now := r.opts.Now()

	if id, ok := r.byFingerprint[fingerprint]; ok {
		if e := r.lookup(id); e != nil {
			e.mu.Lock()
			if e.node.Status == types.StatusBlacklisted {
				e.mu.Unlock()
				return "", "", ErrBlacklisted
			}
			token, tokenID, err := r.tokens.Issue(id, fingerprint)
			if err != nil {
				e.mu.Unlock()
				return "", "", fmt.Errorf("register: issue token: %w", err)
			}
			oldCountry := e.node.Location.Country
			e.tokenID = tokenID
			e.node.Location = loc
			e.node.Capabilities = caps
			e.node.Version = version
			e.node.LastHeartbeat = now
			e.node.Status = statusForLoad(e.node.InFlight, caps.MaxConcurrency)
			e.held = false
			e.mu.Unlock()

			if oldCountry != loc.Country {
				r.unindex(oldCountry, id)
				r.index(loc.Country, id, e)
			}
			return id, token, nil
		}
	}

	id := uuid.NewString()
	token, tokenID, err := r.tokens.Issue(id, fingerprint)
	if err != nil {
		return "", "", fmt.Errorf("register: issue token: %w", err)
	}
	e := &entry{
		node: types.Node{
			ID:            id,
			Fingerprint:   fingerprint,
			Location:      loc,
			Capabilities:  caps,
			Version:       version,
			Status:        types.StatusAvailable,
			RegisteredAt:  now,
			LastHeartbeat: now,
		},
		tokenID: tokenID,
	}
	s := r.shardFor(id)
	s.mu.Lock()
	s.nodes[id] = e
	s.mu.Unlock()
	r.byFingerprint[fingerprint] = id
	r.index(loc.Country, id, e)
	return id, token, nil
}

// Heartbeat validates the token, records liveness and stats, and returns the
// node's effective config.
func (r *Registry) Heartbeat(nodeID, token string, stats types.NodeStats) (types.NodeConfig, error) {
	e := r.lookup(nodeID)
	if e == nil {
		return types.NodeConfig{}, ErrNotFound
	}
	claims, err := r.tokens.Parse(token)
	if err != nil {
		return types.NodeConfig{}, ErrUnauthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if claims.NodeID != nodeID || claims.ID != e.tokenID {
		return types.NodeConfig{}, ErrUnauthorized
	}
	if e.node.Status == types.StatusBlacklisted {
		return types.NodeConfig{}, ErrBlacklisted
	}

	e.node.LastHeartbeat = r.opts.Now()
	e.node.Requests = stats.Requests
	e.node.BytesIn = stats.BytesIn
	e.node.BytesOut = stats.BytesOut
	if e.node.Status == types.StatusOffline && e.conn != nil && !e.held {
		e.node.Status = statusForLoad(e.node.InFlight, e.node.Capabilities.MaxConcurrency)
	}
	return r.configFor(e.node), nil
}

// UpdateCapabilities replaces the declared capabilities of a node.
func (r *Registry) UpdateCapabilities(nodeID string, caps types.Capabilities) (types.NodeConfig, error) {
	e := r.lookup(nodeID)
	if e == nil {
		return types.NodeConfig{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.node.Capabilities = r.normalizeCaps(caps)
	if e.node.Status == types.StatusAvailable || e.node.Status == types.StatusBusy {
		e.node.Status = statusForLoad(e.node.InFlight, e.node.Capabilities.MaxConcurrency)
	}
	return r.configFor(e.node), nil
}

// NodeConfig returns the effective config handed to a node.
func (r *Registry) NodeConfig(nodeID string) (types.NodeConfig, error) {
	e := r.lookup(nodeID)
	if e == nil {
		return types.NodeConfig{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.configFor(e.node), nil
}

func (r *Registry) configFor(n types.Node) types.NodeConfig {
	return types.NodeConfig{
		MaxConcurrency:    n.Capabilities.MaxConcurrency,
		Protocols:         append([]types.Protocol(nil), n.Capabilities.Protocols...),
		HeartbeatInterval: int(r.opts.HeartbeatInterval / time.Second),
	}
}

// MarkOffline sets a node offline until it registers again; heartbeats on
// the current connection do not restore it. Blacklisted nodes stay blacklisted.
func (r *Registry) MarkOffline(nodeID string) error {
	e := r.lookup(nodeID)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node.Status != types.StatusBlacklisted {
		e.node.Status = types.StatusOffline
		e.held = true
	}
	return nil
}

// Blacklist is terminal from the registry's point of view. The node's
// connection is closed.
func (r *Registry) Blacklist(nodeID string) error {
	e := r.lookup(nodeID)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	e.node.Status = types.StatusBlacklisted
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Attach records the live connection of a node, closing any previous one.
func (r *Registry) Attach(nodeID string, conn transport.Conn) error {
	e := r.lookup(nodeID)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	prev := e.conn
	e.conn = conn
	e.node.Connected = true
	e.mu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
	return nil
}

// Detach clears the connection if it is still conn and marks the node offline.
// It reports whether the node was detached.
func (r *Registry) Detach(nodeID string, conn transport.Conn) bool {
	e := r.lookup(nodeID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != conn {
		return false
	}
	e.conn = nil
	e.node.Connected = false
	e.node.InFlight = 0
	if e.node.Status != types.StatusBlacklisted {
		e.node.Status = types.StatusOffline
	}
	return true
}

// Acquire reserves one in-flight slot. Without force only available nodes
// qualify; force also admits busy nodes (sticky sessions keep their node).
func (r *Registry) Acquire(nodeID string, force bool) bool {
	e := r.lookup(nodeID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return false
	}
	switch e.node.Status {
	case types.StatusAvailable:
	case types.StatusBusy:
		if !force {
			return false
		}
	default:
		return false
	}
	e.node.InFlight++
	if e.node.Status == types.StatusAvailable {
		e.node.Status = statusForLoad(e.node.InFlight, e.node.Capabilities.MaxConcurrency)
	}
	return true
}

// Release frees a slot taken by Acquire.
func (r *Registry) Release(nodeID string) {
	e := r.lookup(nodeID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node.InFlight > 0 {
		e.node.InFlight--
	}
	if e.node.Status == types.StatusBusy {
		e.node.Status = statusForLoad(e.node.InFlight, e.node.Capabilities.MaxConcurrency)
	}
}

func statusForLoad(inFlight, max int) types.NodeStatus {
	if max > 0 && inFlight >= max {
		return types.StatusBusy
	}
	return types.StatusAvailable
}

// Get returns a snapshot of one node.
func (r *Registry) Get(nodeID string) (Candidate, bool) {
	e := r.lookup(nodeID)
	if e == nil {
		return Candidate{}, false
	}
	return e.candidate(), true
}

// Candidates returns snapshots of nodes located in country, or of every node
// when country is empty. Callers filter on status and capabilities.
func (r *Registry) Candidates(country string) []Candidate {
	country = strings.ToUpper(strings.TrimSpace(country))
	var entries []*entry
	if country != "" {
		r.idxMu.RLock()
		set := r.byCountry[country]
		entries = make([]*entry, 0, len(set))
		for _, e := range set {
			entries = append(entries, e)
		}
		r.idxMu.RUnlock()
	} else {
		entries = r.allEntries()
	}

	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.candidate())
	}
	return out
}

func (r *Registry) allEntries() []*entry {
	var entries []*entry
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.nodes {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
	}
	return entries
}

// List returns all nodes sorted by id.
func (r *Registry) List() []types.Node {
	entries := r.allEntries()
	out := make([]types.Node, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.candidate().Node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of nodes per status.
func (r *Registry) Counts() map[types.NodeStatus]int {
	counts := map[types.NodeStatus]int{
		types.StatusAvailable:   0,
		types.StatusBusy:        0,
		types.StatusOffline:     0,
		types.StatusBlacklisted: 0,
	}
	for _, e := range r.allEntries() {
		e.mu.Lock()
		counts[e.node.Status]++
		e.mu.Unlock()
	}
	return counts
}

// Sweep marks nodes offline whose last heartbeat is older than the liveness
// timeout and prunes offline, disconnected nodes past retention. It returns
// the ids marked offline.
func (r *Registry) Sweep() []string {
	now := r.opts.Now()
	var (
		marked []string
		prune  []*entry
	)
	for _, e := range r.allEntries() {
		e.mu.Lock()
		silence := now.Sub(e.node.LastHeartbeat)
		switch e.node.Status {
		case types.StatusAvailable, types.StatusBusy:
			if silence > r.opts.LivenessTimeout {
				e.node.Status = types.StatusOffline
				marked = append(marked, e.node.ID)
			}
		case types.StatusOffline:
			if e.conn == nil && silence > r.opts.Retention {
				prune = append(prune, e)
			}
		}
		e.mu.Unlock()
	}
	for _, e := range prune {
		r.remove(e)
	}
	return marked
}

func (r *Registry) remove(e *entry) {
	e.mu.Lock()
	id, fp, country := e.node.ID, e.node.Fingerprint, e.node.Location.Country
	e.mu.Unlock()

	r.fpMu.Lock()
	if r.byFingerprint[fp] == id {
		delete(r.byFingerprint, fp)
	}
	r.fpMu.Unlock()

	s := r.shardFor(id)
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
	r.unindex(country, id)
}

// Run sweeps on a fixed interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if marked := r.Sweep(); len(marked) > 0 {
				logging.Logf("[registry] sweep marked offline count=%d nodes=%s", len(marked), strings.Join(marked, ","))
			}
		}
	}
}

func (r *Registry) index(country, id string, e *entry) {
	if country == "" {
		return
	}
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	set, ok := r.byCountry[country]
	if !ok {
		set = make(map[string]*entry)
		r.byCountry[country] = set
	}
	set[id] = e
}

func (r *Registry) unindex(country, id string) {
	if country == "" {
		return
	}
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	if set, ok := r.byCountry[country]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byCountry, country)
		}
	}
}
