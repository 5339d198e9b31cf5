package services

import (
	"fmt"
	"sort"
	"sync"

	"peerlink/internal/core/domain"

	"go.uber.org/zap"
)

// peerCache holds per-peer state that outlives a single connection record:
// it survives restarts and is cleared when the peer leaves the session.
type peerCache struct {
	info            *domain.PeerInfo
	iceFailures     int
	trickleDisabled bool
}

type restartTicket struct {
	aborted bool
}

// PeerRegistry is the single source of truth for which peers have a
// connection record.
type PeerRegistry struct {
	mu       sync.RWMutex
	records  map[domain.PeerID]*PeerConnection
	cache    map[domain.PeerID]*peerCache
	restarts map[domain.PeerID]*restartTicket
	logger   *zap.SugaredLogger
}

func NewPeerRegistry(logger *zap.SugaredLogger) *PeerRegistry {
	return &PeerRegistry{
		records:  make(map[domain.PeerID]*PeerConnection),
		cache:    make(map[domain.PeerID]*peerCache),
		restarts: make(map[domain.PeerID]*restartTicket),
		logger:   logger,
	}
}

// Add registers rec. It fails if a record already exists for the peer, also
// while the peer restarts: a restart discards the old record before it
// registers the new one.
func (r *PeerRegistry) Add(rec *PeerConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.id]; exists {
		return fmt.Errorf("peer %s: %w", rec.id, domain.ErrDuplicateConnection)
	}
	r.records[rec.id] = rec
	r.logger.Debugw("peer connection registered", "peer_id", rec.id)
	return nil
}

func (r *PeerRegistry) Get(id domain.PeerID) (*PeerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// IsCurrent reports whether rec is the record registered for its peer.
func (r *PeerRegistry) IsCurrent(rec *PeerConnection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[rec.id] == rec
}

// Remove deletes the record for id. Removing an absent peer is a no-op.
func (r *PeerRegistry) Remove(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		r.logger.Debugw("no peer connection to remove", "peer_id", id)
		return false
	}
	delete(r.records, id)
	r.logger.Debugw("peer connection removed", "peer_id", id)
	return true
}

// Discard deletes rec if it is still the record registered for its peer.
func (r *PeerRegistry) Discard(rec *PeerConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records[rec.id] != rec {
		r.logger.Debugw("peer connection already replaced", "peer_id", rec.id)
		return false
	}
	delete(r.records, rec.id)
	r.logger.Debugw("peer connection removed", "peer_id", rec.id)
	return true
}

// IDs returns a sorted copy of the registered peer ids.
func (r *PeerRegistry) IDs() []domain.PeerID {
	r.mu.RLock()
	ids := make([]domain.PeerID, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ForEach calls fn for every peer registered when ForEach was called. fn may
// add or remove peers.
func (r *PeerRegistry) ForEach(fn func(domain.PeerID)) {
	for _, id := range r.IDs() {
		fn(id)
	}
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Snapshot returns a view of the record for id including cached state.
func (r *PeerRegistry) Snapshot(id domain.PeerID) (domain.PeerSnapshot, bool) {
	rec, ok := r.Get(id)
	if !ok {
		return domain.PeerSnapshot{}, false
	}
	snap := rec.snapshot()
	r.mu.RLock()
	if c, ok := r.cache[id]; ok {
		snap.ICEFailures = c.iceFailures
		snap.Info = c.info
	}
	r.mu.RUnlock()
	return snap, true
}

// BeginRestart records that a restart of id is in flight. It returns false
// if one already is.
func (r *PeerRegistry) BeginRestart(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.restarts[id]; ok {
		return false
	}
	r.restarts[id] = &restartTicket{}
	return true
}

// EndRestart clears the restart ticket and reports whether it was aborted.
func (r *PeerRegistry) EndRestart(id domain.PeerID) (aborted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.restarts[id]
	if !ok {
		return false
	}
	delete(r.restarts, id)
	return t.aborted
}

func (r *PeerRegistry) RestartAborted(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.restarts[id]
	return ok && t.aborted
}

func (r *PeerRegistry) Restarting(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.restarts[id]
	return ok
}

// AbortRestart marks an in-flight restart of id so it does not recreate
// the connection.
func (r *PeerRegistry) AbortRestart(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.restarts[id]
	if ok {
		t.aborted = true
	}
	return ok
}

// SetInfo caches the best-effort description of a peer.
func (r *PeerRegistry) SetInfo(id domain.PeerID, info *domain.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheFor(id).info = info
}

func (r *PeerRegistry) Info(id domain.PeerID) *domain.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cache[id]; ok {
		return c.info
	}
	return nil
}

// RecordICEFailure increments and returns the failure count of id.
func (r *PeerRegistry) RecordICEFailure(id domain.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cacheFor(id)
	c.iceFailures++
	return c.iceFailures
}

func (r *PeerRegistry) ICEFailures(id domain.PeerID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cache[id]; ok {
		return c.iceFailures
	}
	return 0
}

func (r *PeerRegistry) DisableTrickle(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheFor(id).trickleDisabled = true
}

func (r *PeerRegistry) TrickleDisabled(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cache[id]; ok {
		return c.trickleDisabled
	}
	return false
}

// Forget drops the cached info, priority and failure count of id.
func (r *PeerRegistry) Forget(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
}

func (r *PeerRegistry) cacheFor(id domain.PeerID) *peerCache {
	c, ok := r.cache[id]
	if !ok {
		c = &peerCache{}
		r.cache[id] = c
	}
	return c
}
