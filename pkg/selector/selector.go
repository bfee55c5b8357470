// Package selector picks the node that serves a request: the node bound to
// the request's session if it can still serve, otherwise a uniformly random
// available node matching the targeting constraints.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/resi-gateway/pkg/registry"
	"github.com/resi-gateway/pkg/session"
	"github.com/resi-gateway/pkg/targeting"
	"github.com/resi-gateway/pkg/types"
)

var (
	ErrNoAvailableNode          = errors.New("no available node")
	ErrSessionTargetingConflict = errors.New("session targeting conflict")
)

// maxBindAttempts bounds the retries when a racing Bind hands back a node that
// can no longer serve.
const maxBindAttempts = 3

// Registry is the part of the node registry the selector reads.
type Registry interface {
	Candidates(country string) []registry.Candidate
	Get(nodeID string) (registry.Candidate, bool)
}

// Selection is the outcome of Select.
type Selection struct {
	registry.Candidate
	SessionID  string
	NewBinding bool
}

type Selector struct {
	reg      Registry
	sessions session.Store
	intn     func(n int) int
}

func New(reg Registry, sessions session.Store) *Selector {
	return &Selector{reg: reg, sessions: sessions, intn: rand.IntN}
}

// Select returns the node for d. For a session id the binding is created
// before returning, so concurrent requests of the same session agree on the node.
// Each call counts one use of the session.
func (s *Selector) Select(ctx context.Context, d targeting.Directive, proto types.Protocol) (Selection, error) {
	return s.selectNode(ctx, d, proto, s.sessions.Touch)
}

// Reselect is Select for a request whose earlier pick could not take it. The
// session use was already counted by Select.
func (s *Selector) Reselect(ctx context.Context, d targeting.Directive, proto types.Protocol) (Selection, error) {
	return s.selectNode(ctx, d, proto, s.sessions.Get)
}

func (s *Selector) selectNode(ctx context.Context, d targeting.Directive, proto types.Protocol,
	lookup func(context.Context, string) (session.Binding, bool, error)) (Selection, error) {
	if d.Session == "" {
		c, err := s.pick(d, proto, "")
		if err != nil {
			return Selection{}, err
		}
		return Selection{Candidate: c}, nil
	}

	var (
		replace string
		current *registry.Candidate
	)
	b, ok, err := lookup(ctx, d.Session)
	if err != nil {
		return Selection{}, fmt.Errorf("session lookup: %w", err)
	}
	if ok {
		c, found := s.reg.Get(b.NodeID)
		switch {
		case !found || !c.Node.Usable():
			replace = b.NodeID
		case proto != "" && !c.Node.Capabilities.Supports(proto):
			replace = b.NodeID
		case conflicts(d, c.Node):
			return Selection{}, fmt.Errorf("%w: session %s is bound to %s/%s",
				ErrSessionTargetingConflict, d.Session, c.Node.Location.Country, c.Node.Location.City)
		case d.Rotate > 0 && b.Uses > d.Rotate:
			replace = b.NodeID
			current = &c
		default:
			return Selection{Candidate: c, SessionID: d.Session}, nil
		}
	}

	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		c, err := s.pick(d, proto, replace)
		if err != nil {
			if current != nil {
				// Rotation with no alternative keeps the current node.
				return Selection{Candidate: *current, SessionID: d.Session}, nil
			}
			if replace != "" {
				// The bound node is gone and nothing replaces it.
				if derr := s.sessions.Delete(ctx, d.Session, replace); derr != nil {
					return Selection{}, fmt.Errorf("session delete: %w", derr)
				}
			}
			return Selection{}, err
		}
		won, err := s.sessions.Bind(ctx, d.Session, c.Node.ID, replace)
		if err != nil {
			return Selection{}, fmt.Errorf("session bind: %w", err)
		}
		if won.NodeID == c.Node.ID {
			return Selection{Candidate: c, SessionID: d.Session, NewBinding: true}, nil
		}
		// A concurrent request bound the session first; follow it.
		winner, found := s.reg.Get(won.NodeID)
		if found && winner.Node.Usable() {
			return Selection{Candidate: winner, SessionID: d.Session}, nil
		}
		replace = won.NodeID
	}
	return Selection{}, ErrNoAvailableNode
}

// pick chooses uniformly among available nodes matching d that serve proto,
// skipping exclude.
func (s *Selector) pick(d targeting.Directive, proto types.Protocol, exclude string) (registry.Candidate, error) {
	candidates := s.reg.Candidates(d.Country)
	matches := candidates[:0]
	for _, c := range candidates {
		if c.Node.ID == exclude || !matchesNode(d, c.Node, proto) {
			continue
		}
		matches = append(matches, c)
	}
	if len(matches) == 0 {
		return registry.Candidate{}, fmt.Errorf("%w: country=%q city=%q protocol=%s", ErrNoAvailableNode, d.Country, d.City, proto)
	}
	return matches[s.intn(len(matches))], nil
}

func matchesNode(d targeting.Directive, n types.Node, proto types.Protocol) bool {
	if n.Status != types.StatusAvailable || !n.Connected {
		return false
	}
	if proto != "" && !n.Capabilities.Supports(proto) {
		return false
	}
	if d.Country != "" && !strings.EqualFold(n.Location.Country, d.Country) {
		return false
	}
	if d.City != "" && !cityEqual(n.Location.City, d.City) {
		return false
	}
	return true
}

// conflicts reports whether the request's location constraints disagree with
// the bound node's location.
func conflicts(d targeting.Directive, n types.Node) bool {
	if !d.HasLocation() {
		return false
	}
	if d.Country != "" && !strings.EqualFold(n.Location.Country, d.Country) {
		return true
	}
	if d.City != "" && !cityEqual(n.Location.City, d.City) {
		return true
	}
	return false
}

func cityEqual(a, b string) bool {
	norm := func(s string) string {
		return strings.ReplaceAll(strings.TrimSpace(s), "_", " ")
	}
	return strings.EqualFold(norm(a), norm(b))
}
