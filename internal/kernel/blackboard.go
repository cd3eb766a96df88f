package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/metrics"
)

// Blackboard access errors
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrLockedByOther    = errors.New("locked by another agent")
	ErrVersionConflict  = errors.New("version conflict")
)

// ScopeKind selects which whiteboard a scope addresses
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeTop    ScopeKind = "top"
	ScopeMid    ScopeKind = "mid"
	ScopeBottom ScopeKind = "bottom"
)

// Scope addresses one whiteboard. Mid and bottom scopes are owned by a
// specific agent.
type Scope struct {
	Kind  ScopeKind `json:"kind"`
	Owner string    `json:"owner,omitempty"`
}

// GlobalScope addresses the team-wide whiteboard
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// TopScope addresses the shared top-layer whiteboard
func TopScope() Scope { return Scope{Kind: ScopeTop} }

// MidScope addresses one mid agent's whiteboard
func MidScope(owner string) Scope { return Scope{Kind: ScopeMid, Owner: owner} }

// BottomScope addresses one bottom agent's whiteboard
func BottomScope(owner string) Scope { return Scope{Kind: ScopeBottom, Owner: owner} }

// Valid reports whether the scope is well-formed
func (s Scope) Valid() bool {
	switch s.Kind {
	case ScopeGlobal, ScopeTop:
		return true
	case ScopeMid, ScopeBottom:
		return s.Owner != ""
	}
	return false
}

// Path returns the scope's document path relative to the workspace root
func (s Scope) Path() string {
	switch s.Kind {
	case ScopeGlobal:
		return "global-whiteboard.md"
	case ScopeTop:
		return "whiteboards/top-layer.md"
	case ScopeMid:
		return fmt.Sprintf("whiteboards/mid-layer-%s.md", s.Owner)
	case ScopeBottom:
		return fmt.Sprintf("whiteboards/bottom-layer-%s.md", s.Owner)
	}
	return ""
}

// Template returns the initial content served for an absent document
func (s Scope) Template() string {
	switch s.Kind {
	case ScopeGlobal:
		return "# Global Whiteboard\n\n## Team Status\n\n_No updates yet._\n"
	case ScopeTop:
		return "# Top Layer Whiteboard\n\n## Strategy\n\n_No updates yet._\n"
	case ScopeMid:
		return fmt.Sprintf("# Mid Layer Whiteboard - %s\n\n## Subordinate Status\n\n_No updates yet._\n", s.Owner)
	case ScopeBottom:
		return fmt.Sprintf("# Bottom Layer Whiteboard - %s\n\n## Work Log\n\n_No updates yet._\n", s.Owner)
	}
	return ""
}

// Roster resolves agent ids and enumerates layers. The team lifecycle
// implements it; tests use a stub. The blackboard uses Lookup for permission
// checks; the decision engine uses AgentsInLayer for appeal voting.
type Roster interface {
	Lookup(agentID string) (*Agent, bool)
	AgentsInLayer(layer Layer) []*Agent
}

// BlackboardConfig tunes locking and the read cache
type BlackboardConfig struct {
	LockTTL   time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	CacheSize int           `json:"cache_size" yaml:"cache_size"`
}

// DefaultBlackboardConfig returns the default blackboard tuning
func DefaultBlackboardConfig() BlackboardConfig {
	return BlackboardConfig{
		LockTTL:   5 * time.Second,
		CacheSize: 64,
	}
}

type lockEntry struct {
	holder    string
	expiresAt time.Time
}

type accessOp int

const (
	opRead accessOp = iota
	opWrite
	opAppend
)

// Blackboard is the scoped, versioned markdown workspace shared by one
// team's agents. Every access is checked against the layer permission
// matrix; writes are serialized per document by an advisory lock with a TTL
// and guarded by an optimistic version check.
type Blackboard struct {
	taskID string
	config BlackboardConfig
	store  DocStore
	roster Roster
	events *Emitter
	log    zerolog.Logger

	mu         sync.Mutex
	locks      map[string]lockEntry
	cache      map[string]Document
	cacheOrder []string
}

// NewBlackboard creates a blackboard over the given document store. events
// may be nil to skip event emission.
func NewBlackboard(taskID string, config BlackboardConfig, store DocStore, roster Roster, events *Emitter) *Blackboard {
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultBlackboardConfig().LockTTL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultBlackboardConfig().CacheSize
	}
	return &Blackboard{
		taskID: taskID,
		config: config,
		store:  store,
		roster: roster,
		events: events,
		log:    log.With().Str("component", "blackboard").Str("task_id", taskID).Logger(),
		locks:  make(map[string]lockEntry),
		cache:  make(map[string]Document),
	}
}

// Read returns the current document, or its template when absent. Reads are
// served from a bounded cache when possible.
func (bb *Blackboard) Read(ctx context.Context, scope Scope, requester string) (*Document, error) {
	if err := bb.check(scope, requester, opRead); err != nil {
		return nil, err
	}
	path := scope.Path()

	bb.mu.Lock()
	if doc, ok := bb.cache[path]; ok {
		bb.mu.Unlock()
		metrics.RecordBlackboardRead(true)
		return &doc, nil
	}
	bb.mu.Unlock()

	doc, err := bb.load(ctx, scope)
	if err != nil {
		return nil, err
	}

	bb.mu.Lock()
	bb.cachePut(path, *doc)
	bb.mu.Unlock()

	metrics.RecordBlackboardRead(false)
	return doc, nil
}

// Write replaces the document content. observedVersion is the version the
// caller last read; the write fails with a version conflict when the stored
// document has moved past it.
func (bb *Blackboard) Write(ctx context.Context, scope Scope, requester, content string, observedVersion int64) error {
	if err := bb.check(scope, requester, opWrite); err != nil {
		return err
	}
	path := scope.Path()

	if err := bb.acquire(path, requester); err != nil {
		return err
	}
	defer bb.release(path, requester)

	doc, err := bb.load(ctx, scope)
	if err != nil {
		return err
	}
	if observedVersion < doc.Version {
		metrics.RecordBlackboardConflict("version")
		return fmt.Errorf("%w: observed %d, stored %d for %s", ErrVersionConflict, observedVersion, doc.Version, path)
	}

	return bb.commit(ctx, scope, requester, content, doc.Version+1)
}

// Append adds an update block to the end of the document. The block records
// the requester and a wall-clock timestamp. Version handling happens under
// the lock, so callers never supply an observed version.
func (bb *Blackboard) Append(ctx context.Context, scope Scope, requester, content string) error {
	if err := bb.check(scope, requester, opAppend); err != nil {
		return err
	}
	path := scope.Path()

	if err := bb.acquire(path, requester); err != nil {
		return err
	}
	defer bb.release(path, requester)

	doc, err := bb.load(ctx, scope)
	if err != nil {
		return err
	}

	suffix := fmt.Sprintf("### Update - %s\n**By**: %s\n\n%s",
		time.Now().UTC().Format(time.RFC3339), requester, content)
	combined := suffix
	if doc.Content != "" {
		combined = strings.TrimRight(doc.Content, "\n") + "\n\n" + suffix
	}

	return bb.commit(ctx, scope, requester, combined, doc.Version+1)
}

// ViewFor returns a read-only view bound to one requester
func (bb *Blackboard) ViewFor(requester string) *View {
	return &View{bb: bb, requester: requester}
}

// View is a read-only window onto the blackboard for one agent. Behaviors
// receive a View so they cannot write outside their own runtime.
type View struct {
	bb        *Blackboard
	requester string
}

// Read reads a scope through the view's requester
func (v *View) Read(ctx context.Context, scope Scope) (*Document, error) {
	return v.bb.Read(ctx, scope, v.requester)
}

// Requester returns the agent the view is bound to
func (v *View) Requester() string {
	return v.requester
}

// check resolves the requester and evaluates the permission matrix
func (bb *Blackboard) check(scope Scope, requester string, op accessOp) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: invalid scope", ErrPermissionDenied)
	}
	if bb.roster == nil {
		return fmt.Errorf("%w: no roster configured", ErrPermissionDenied)
	}
	agent, ok := bb.roster.Lookup(requester)
	if !ok {
		return fmt.Errorf("%w: unknown requester %s", ErrPermissionDenied, requester)
	}
	if !permitted(agent, scope, op) {
		return fmt.Errorf("%w: %s may not access %s", ErrPermissionDenied, requester, scope.Path())
	}
	return nil
}

// permitted evaluates the layer permission matrix. Write permission always
// carries append permission; the standalone append grants exist so mid
// agents can add to the global whiteboard without overwriting it.
func permitted(agent *Agent, scope Scope, op accessOp) bool {
	switch scope.Kind {
	case ScopeGlobal:
		switch agent.Layer {
		case LayerTop:
			return true
		case LayerMid:
			return op == opRead || op == opAppend
		case LayerBottom:
			return op == opRead
		}
	case ScopeTop:
		if agent.Layer == LayerTop {
			return true
		}
		return op == opRead
	case ScopeMid:
		switch agent.Layer {
		case LayerTop:
			return op == opRead
		case LayerMid:
			if op == opRead {
				return true
			}
			return agent.ID == scope.Owner
		case LayerBottom:
			return op == opRead && agent.Supervisor() == scope.Owner
		}
	case ScopeBottom:
		switch agent.Layer {
		case LayerTop, LayerMid:
			return op == opRead
		case LayerBottom:
			return agent.ID == scope.Owner
		}
	}
	return false
}

// load fetches the document, substituting the scope template at version 0
// when the store has nothing yet
func (bb *Blackboard) load(ctx context.Context, scope Scope) (*Document, error) {
	doc, err := bb.store.Load(ctx, scope.Path())
	if errors.Is(err, ErrDocNotFound) {
		return &Document{Content: scope.Template(), Version: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", scope.Path(), err)
	}
	return doc, nil
}

// commit stores the new revision, invalidates the cache, and emits the
// updated event. Caller holds the advisory lock.
func (bb *Blackboard) commit(ctx context.Context, scope Scope, requester, content string, version int64) error {
	path := scope.Path()
	next := &Document{
		Content:        content,
		Version:        version,
		LastModifiedBy: requester,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := bb.store.Store(ctx, path, next); err != nil {
		return fmt.Errorf("failed to store document %s: %w", path, err)
	}

	bb.mu.Lock()
	bb.invalidate(path)
	bb.mu.Unlock()

	metrics.RecordBlackboardWrite()
	bb.log.Debug().
		Str("path", path).
		Str("requester", requester).
		Int64("version", version).
		Msg("Blackboard document updated")

	if bb.events != nil {
		bb.events.Emit(Event{
			Kind:   EventBlackboardUpdated,
			TaskID: bb.taskID,
			Payload: map[string]interface{}{
				"path":    path,
				"version": version,
				"by":      requester,
			},
		})
	}
	return nil
}

// acquire takes the advisory lock for the path. Reentrant for the same
// holder; expired locks may be taken over by anyone.
func (bb *Blackboard) acquire(path, holder string) error {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	now := time.Now()
	if entry, ok := bb.locks[path]; ok && now.Before(entry.expiresAt) && entry.holder != holder {
		metrics.RecordBlackboardConflict("lock")
		return fmt.Errorf("%w: %s holds the lock on %s", ErrLockedByOther, entry.holder, path)
	}
	bb.locks[path] = lockEntry{holder: holder, expiresAt: now.Add(bb.config.LockTTL)}
	if w, ok := bb.store.(lockArtifactWriter); ok {
		w.WriteLockArtifact(path, holder)
	}
	return nil
}

// release drops the lock if the holder still owns it. A release after
// expiry is a no-op so a stalled writer cannot unlock a successor.
func (bb *Blackboard) release(path, holder string) {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	entry, ok := bb.locks[path]
	if !ok || entry.holder != holder || time.Now().After(entry.expiresAt) {
		return
	}
	delete(bb.locks, path)
	if w, ok := bb.store.(lockArtifactWriter); ok {
		w.RemoveLockArtifact(path)
	}
}

// lockHolder reports the current unexpired holder, for tests
func (bb *Blackboard) lockHolder(path string) (string, bool) {
	bb.mu.Lock()
	defer bb.mu.Unlock()
	entry, ok := bb.locks[path]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.holder, true
}

// cachePut inserts a document, evicting the oldest entry at capacity.
// Caller holds the lock.
func (bb *Blackboard) cachePut(path string, doc Document) {
	if _, ok := bb.cache[path]; ok {
		bb.cache[path] = doc
		return
	}
	if len(bb.cache) >= bb.config.CacheSize && len(bb.cacheOrder) > 0 {
		oldest := bb.cacheOrder[0]
		bb.cacheOrder = bb.cacheOrder[1:]
		delete(bb.cache, oldest)
	}
	bb.cache[path] = doc
	bb.cacheOrder = append(bb.cacheOrder, path)
}

// invalidate drops a cached document. Caller holds the lock.
func (bb *Blackboard) invalidate(path string) {
	if _, ok := bb.cache[path]; !ok {
		return
	}
	delete(bb.cache, path)
	for i, p := range bb.cacheOrder {
		if p == path {
			bb.cacheOrder = append(bb.cacheOrder[:i], bb.cacheOrder[i+1:]...)
			break
		}
	}
}
