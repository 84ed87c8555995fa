// Package session holds the state of one recognition query: what we're
// looking for, what we've already announced, and which objects are busy or
// cooling down.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routecall/routecall/pkg/match"
	"github.com/routecall/routecall/pkg/nn"
)

// How long after a detected object finishes processing before we'll submit
// it for recognition again.
const ObjectCooldown = 5 * time.Second

// State is the process-wide state of the current query. A State is created
// when a query arrives and torn down when the session ends (match announced,
// manual cancel, or a new query replacing it). All methods are safe for
// concurrent use.
type State struct {
	CorrelationID string // Opaque id from the query event, echoed in responses

	ctx    context.Context
	cancel context.CancelFunc

	targets    map[string]bool // Normalized identifiers the caller is waiting for
	whitelist  []string        // Normalized valid identifiers, in caller order
	matchFound atomic.Bool

	lock      sync.Mutex
	inflight  map[uint64]bool      // Object identities with a job currently queued or running
	cooldown  map[uint64]time.Time // Object identity -> time its last job finished
	announced map[string]bool      // Identifiers already announced this session
}

func NewState(correlationID string, targets, whitelist []string) *State {
	ctx, cancel := context.WithCancel(context.Background())
	s := &State{
		CorrelationID: correlationID,
		ctx:           ctx,
		cancel:        cancel,
		targets:       map[string]bool{},
		whitelist:     make([]string, 0, len(whitelist)),
		inflight:      map[uint64]bool{},
		cooldown:      map[uint64]time.Time{},
		announced:     map[string]bool{},
	}
	for _, t := range targets {
		if n := match.Normalize(t); n != "" {
			s.targets[n] = true
		}
	}
	for _, w := range whitelist {
		if n := match.Normalize(w); n != "" {
			s.whitelist = append(s.whitelist, n)
		}
	}
	return s
}

// Ctx is cancelled when the session ends or a match aborts all work.
func (s *State) Ctx() context.Context {
	return s.ctx
}

// Cancel aborts all work belonging to this session.
func (s *State) Cancel() {
	s.cancel()
}

// Close tears the session down: cancels outstanding work and clears all
// per-object state.
func (s *State) Close() {
	s.cancel()
	s.lock.Lock()
	defer s.lock.Unlock()
	s.inflight = map[uint64]bool{}
	s.cooldown = map[uint64]time.Time{}
	s.announced = map[string]bool{}
}

// Whitelist returns the normalized whitelist, in the caller's order.
func (s *State) Whitelist() []string {
	return s.whitelist
}

// IsTarget reports whether the (normalized) identifier is one the caller
// asked for.
func (s *State) IsTarget(id string) bool {
	return s.targets[id]
}

// SetMatchFound marks the session as matched. Returns true for exactly one
// caller per session.
func (s *State) SetMatchFound() bool {
	return s.matchFound.CompareAndSwap(false, true)
}

func (s *State) MatchFound() bool {
	return s.matchFound.Load()
}

// MarkAnnounced records that an identifier was announced. Returns true the
// first time, false on every subsequent call for the same identifier.
func (s *State) MarkAnnounced(id string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.announced[id] {
		return false
	}
	s.announced[id] = true
	return true
}

// TryClaim reserves an object identity for a recognition job. It fails if
// the object already has a job in flight, or finished one less than
// ObjectCooldown ago.
func (s *State) TryClaim(identity uint64, now time.Time) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.inflight[identity] {
		return false
	}
	if last, ok := s.cooldown[identity]; ok && now.Sub(last) < ObjectCooldown {
		return false
	}
	s.inflight[identity] = true
	return true
}

// Release returns an object identity claimed with TryClaim, starting its
// cooldown.
func (s *State) Release(identity uint64, now time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.inflight, identity)
	s.cooldown[identity] = now
}

// ObjectIdentity buckets a detection box into a stable identity, so that the
// same physical object seen across consecutive frames maps to the same key
// despite small amounts of jitter. Centers snap to a 32 pixel grid and sizes
// to a 64 pixel grid.
func ObjectIdentity(box nn.Rect) uint64 {
	c := box.Center()
	cx := uint64(uint32(c.X/32)) & 0xffff
	cy := uint64(uint32(c.Y/32)) & 0xffff
	w := uint64(uint32(box.Width/64)) & 0xffff
	h := uint64(uint32(box.Height/64)) & 0xffff
	return cx<<48 | cy<<32 | w<<16 | h
}
