package grant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/monitoring"
	"github.com/scriptgate/scriptgate/internal/script"
	"github.com/scriptgate/scriptgate/internal/shared/id"
	"github.com/scriptgate/scriptgate/internal/store"
)

const decisionBucket = "decisions"

// Gate is the permission gate: grant check, decision cache, confirmation
// queue. Consulted exactly once per proxied request, before any network I/O.
type Gate struct {
	registry  *Registry
	store     *store.Store
	queue     *Queue
	sanitizer *Sanitizer
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	mu    sync.RWMutex
	cache map[string]*Decision
}

// NewGate creates a permission gate.
func NewGate(registry *Registry, st *store.Store, queue *Queue, logger *logging.Logger, metrics *monitoring.Metrics) *Gate {
	return &Gate{
		registry:  registry,
		store:     st,
		queue:     queue,
		sanitizer: NewSanitizer(),
		logger:    logger,
		metrics:   metrics,
		cache:     make(map[string]*Decision),
	}
}

// VerifyRequest carries everything the gate needs for one check.
type VerifyRequest struct {
	ScriptID    string
	Manifest    *script.Manifest
	Capability  string
	Scope       string // host for ScopeHost capabilities, "" otherwise
	Title       string
	Description string
	Metadata    []MetadataPair
	Prompter    Prompter
}

// Verify checks the grant declaration and, when the capability requires it,
// resolves allow/deny via cache-or-ask. Permission errors are returned
// synchronously before any network I/O starts.
func (g *Gate) Verify(ctx context.Context, req *VerifyRequest) error {
	cap, covered := g.registry.Covers(req.Manifest, req.Capability)
	if !covered {
		g.count(req.Capability, "grant_missing")
		return fmt.Errorf("%w: %s", ErrGrantMissing, req.Capability)
	}

	if !cap.RequiresConfirm {
		g.count(cap.Name, "allowed")
		return nil
	}

	scope := NormalizeScope(cap.Scope, req.Scope)

	if d := g.lookup(req.ScriptID, cap.Name, scope); d != nil {
		return g.settle(cap.Name, d.Allow)
	}
	if cap.WildcardAllowed && scope != WildcardScope {
		if d := g.lookup(req.ScriptID, cap.Name, WildcardScope); d != nil {
			return g.settle(cap.Name, d.Allow)
		}
	}

	confirm := &ConfirmRequest{
		ConfirmationID:  id.NewConfirmationID().String(),
		ScriptID:        req.ScriptID,
		Capability:      cap.Name,
		Scope:           scope,
		Title:           g.sanitizer.Clean(req.Title),
		Description:     g.sanitizer.Clean(req.Description),
		Metadata:        g.sanitizer.CleanPairs(req.Metadata),
		WildcardAllowed: cap.WildcardAllowed,
	}

	answer, err := g.queue.Ask(ctx, confirm, req.Prompter)
	if err != nil {
		g.count(cap.Name, "timeout")
		return err
	}

	g.apply(req.ScriptID, cap.Name, scope, answer)
	return g.settle(cap.Name, answer.Allow)
}

// Resolve forwards an external confirm signal to the queue.
func (g *Gate) Resolve(confirmationID string, confirm UserConfirm) bool {
	return g.queue.Resolve(confirmationID, confirm)
}

// apply turns a user outcome into cached/persisted state.
func (g *Gate) apply(scriptID, kind, scope string, answer UserConfirm) {
	if !answer.Allow {
		// Denials stick for the session so the user is not re-prompted.
		g.remember(&Decision{
			ScriptID:  scriptID,
			Kind:      kind,
			Scope:     scope,
			Allow:     false,
			CreatedAt: time.Now(),
		}, false)
		return
	}

	switch answer.Type {
	case ConfirmOnce:
		// Nothing cached.
	case ConfirmTempAll:
		g.remember(g.allowDecision(scriptID, kind, WildcardScope, false), false)
	case ConfirmTempThis:
		g.remember(g.allowDecision(scriptID, kind, scope, false), false)
	case ConfirmAlwaysAll:
		g.remember(g.allowDecision(scriptID, kind, WildcardScope, true), true)
	case ConfirmAlwaysThis:
		g.remember(g.allowDecision(scriptID, kind, scope, true), true)
	default:
		g.logger.Warn("unknown confirmation type, treating as allow-once",
			zap.Int("type", answer.Type))
	}
}

func (g *Gate) allowDecision(scriptID, kind, scope string, permanent bool) *Decision {
	return &Decision{
		ScriptID:  scriptID,
		Kind:      kind,
		Scope:     scope,
		Allow:     true,
		Permanent: permanent,
		CreatedAt: time.Now(),
	}
}

// lookup checks the in-memory cache, then the persisted store.
func (g *Gate) lookup(scriptID, kind, scope string) *Decision {
	key := DecisionKey(scriptID, kind, scope)

	g.mu.RLock()
	d, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return d
	}

	var stored Decision
	found, err := g.store.Get(decisionBucket, key, &stored)
	if err != nil {
		g.logger.Warn("decision store read failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}

	g.mu.Lock()
	g.cache[key] = &stored
	g.mu.Unlock()
	return &stored
}

// remember writes through cache and, for permanent decisions, the store.
// Persisting merges with any existing record for the same key: the original
// creation time is kept, only the verdict moves.
func (g *Gate) remember(d *Decision, persist bool) {
	key := d.Key()

	g.mu.Lock()
	g.cache[key] = d
	g.mu.Unlock()

	if !persist {
		return
	}

	var existing Decision
	if found, err := g.store.Get(decisionBucket, key, &existing); err == nil && found {
		d.CreatedAt = existing.CreatedAt
	}
	if err := g.store.Put(decisionBucket, key, d); err != nil {
		g.logger.Error("failed to persist decision", zap.String("key", key), zap.Error(err))
	}
}

// AddPermission installs a decision directly (re-authorization flows).
func (g *Gate) AddPermission(d *Decision) {
	g.remember(d, d.Permanent)
}

// ResetPermission drops one cached and persisted decision.
func (g *Gate) ResetPermission(scriptID, kind, scope string) {
	key := DecisionKey(scriptID, kind, scope)

	g.mu.Lock()
	delete(g.cache, key)
	g.mu.Unlock()

	if err := g.store.Delete(decisionBucket, key); err != nil {
		g.logger.Warn("failed to delete persisted decision", zap.String("key", key), zap.Error(err))
	}
}

// ClearCache drops all state for a script. Used when a script is deleted.
func (g *Gate) ClearCache(scriptID string) {
	prefix := scriptID + ":"

	g.mu.Lock()
	for key := range g.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(g.cache, key)
		}
	}
	g.mu.Unlock()

	if _, err := g.store.DeletePrefix(decisionBucket, prefix); err != nil {
		g.logger.Warn("failed to clear persisted decisions",
			zap.String("script_id", scriptID), zap.Error(err))
	}
}

func (g *Gate) settle(capability string, allow bool) error {
	if allow {
		g.count(capability, "allowed")
		return nil
	}
	g.count(capability, "denied")
	return ErrPermissionDenied
}

func (g *Gate) count(capability, outcome string) {
	if g.metrics != nil {
		g.metrics.PermissionChecks.WithLabelValues(capability, outcome).Inc()
	}
}
