package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/claudedeck/claudedeck/log"
)

// Registry merges three views of sessions into one: durable log summaries,
// in-memory live records created during execution, and the process scan.
// Live records win on every field they define; isActive and pid always come
// from the scan.
//
// The table is shared across connection handlers, so all mutations go
// through the mutex. Merge reads take the lock only around the live-table
// snapshot; log parsing and process scanning run outside it.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]*Info
	store   *LogStore
	scanner ActivityProber
}

// ActivityProber reports which sessions currently have a backing process.
// Satisfied by ProcessScanner; swappable for tests.
type ActivityProber interface {
	Active() map[string]Candidate
	FindForSession(sessionID string) (Candidate, bool)
}

// NewRegistry creates a registry over the given log store and scanner.
func NewRegistry(store *LogStore, scanner ActivityProber) *Registry {
	return &Registry{
		live:    make(map[string]*Info),
		store:   store,
		scanner: scanner,
	}
}

// All returns the merged session view, newest activity first.
func (r *Registry) All() []*Info {
	fileSessions := r.store.ListSessions()
	active := r.scanner.Active()

	r.mu.RLock()
	liveCopy := make(map[string]*Info, len(r.live))
	for id, info := range r.live {
		clone := *info
		liveCopy[id] = &clone
	}
	r.mu.RUnlock()

	merged := make(map[string]*Info, len(fileSessions)+len(liveCopy))
	for _, info := range fileSessions {
		clone := *info
		merged[info.ID] = &clone
	}
	for id, liveInfo := range liveCopy {
		if base, ok := merged[id]; ok {
			overlayLive(base, liveInfo)
		} else {
			merged[id] = liveInfo
		}
	}

	// The scan is the only authority on liveness
	for id, info := range merged {
		if cand, ok := active[id]; ok {
			info.IsActive = true
			info.PID = cand.PID
		} else {
			info.IsActive = false
			info.PID = 0
		}
	}

	result := make([]*Info, 0, len(merged))
	for _, info := range merged {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastUpdateTime.After(result[j].LastUpdateTime)
	})
	return result
}

// Get returns one merged session by id, or ErrNotFound.
func (r *Registry) Get(id string) (*Info, error) {
	for _, info := range r.All() {
		if info.ID == id {
			return info, nil
		}
	}
	return nil, ErrNotFound
}

// ActiveSession returns the most recently updated active session, if any.
func (r *Registry) ActiveSession() (*Info, bool) {
	for _, info := range r.All() {
		if info.IsActive {
			return info, true
		}
	}
	return nil, false
}

// Register adds or replaces a live session record. The id never changes
// after registration; re-registering merges the new fields over the old.
func (r *Registry) Register(info *Info) {
	if info == nil || info.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *info
	if clone.LastUpdateTime.IsZero() {
		clone.LastUpdateTime = time.Now()
	}
	if existing, ok := r.live[clone.ID]; ok {
		overlayLive(existing, &clone)
		return
	}
	r.live[clone.ID] = &clone
	log.Debug().Str("session_id", clone.ID).Msg("registered live session")
}

// Update applies a partial update to a live record. MessageCount and
// ToolCalls are deltas added to the existing counters. A target id with no
// live record yet is hydrated from the log store first, or created bare,
// so updates are never dropped. lastUpdateTime is always bumped.
func (r *Registry) Update(id string, upd Update) {
	if id == "" {
		return
	}

	r.mu.Lock()
	info, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		// Hydrate outside the lock; log parsing can be slow
		hydrated, err := r.store.GetSession(id)
		r.mu.Lock()
		if info, ok = r.live[id]; !ok {
			if err == nil {
				clone := *hydrated
				info = &clone
			} else {
				info = &Info{ID: id, Name: id}
			}
			r.live[id] = info
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if upd.Name != nil {
		info.Name = *upd.Name
	}
	if upd.ProjectPath != nil {
		info.ProjectPath = *upd.ProjectPath
	}
	if upd.IsActive != nil {
		info.IsActive = *upd.IsActive
	}
	if upd.PID != nil {
		info.PID = *upd.PID
	}
	if upd.MessageCount != nil {
		info.MessageCount += *upd.MessageCount
	}
	if upd.ToolCalls != nil {
		info.ToolCalls += *upd.ToolCalls
	}
	if upd.CurrentBranch != nil {
		info.CurrentBranch = *upd.CurrentBranch
	}
	info.LastUpdateTime = time.Now()
}

// Remove drops a live record. The session remains listed if its log
// directory still exists.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

// History delegates to the log store.
func (r *Registry) History(sessionID string) (*History, error) {
	return r.store.History(sessionID)
}

// IsProcessBacked reports whether a fresh scan maps the session to a live
// process. Used before delivering a comment to a running session.
func (r *Registry) IsProcessBacked(sessionID string) bool {
	_, ok := r.scanner.FindForSession(sessionID)
	return ok
}

// overlayLive copies every defined field of src over dst. Zero times and
// empty strings are "undefined"; counters overwrite only when nonzero
// (merge semantics, not the additive Update semantics).
func overlayLive(dst, src *Info) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.ProjectPath != "" {
		dst.ProjectPath = src.ProjectPath
	}
	if !src.StartTime.IsZero() {
		dst.StartTime = src.StartTime
	}
	if !src.LastUpdateTime.IsZero() && src.LastUpdateTime.After(dst.LastUpdateTime) {
		dst.LastUpdateTime = src.LastUpdateTime
	}
	if src.MessageCount != 0 {
		dst.MessageCount = src.MessageCount
	}
	if src.ToolCalls != 0 {
		dst.ToolCalls = src.ToolCalls
	}
	if src.CurrentBranch != "" {
		dst.CurrentBranch = src.CurrentBranch
	}
	if src.IsActive {
		dst.IsActive = true
	}
	if src.PID != 0 {
		dst.PID = src.PID
	}
}

// IsSyntheticKey reports whether a scan key is a synthetic placeholder for
// a process with no matching session. Synthetic entries stay out of the
// merged list.
func IsSyntheticKey(key string) bool {
	return strings.HasPrefix(key, "active-")
}
