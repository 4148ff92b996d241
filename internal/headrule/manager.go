package headrule

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/monitoring"
	"github.com/scriptgate/scriptgate/internal/shared/types"
)

// CookieSource yields the stored cookies for a target origin, per partition.
// The executor's partitioned jar collection implements this.
type CookieSource interface {
	Cookies(u *url.URL, partition string) []*http.Cookie
}

// InstallSpec carries the per-request inputs the manager needs to compute
// the minimal set of header operations.
type InstallSpec struct {
	URL             string
	Method          string
	Headers         map[string]string
	Cookie          string // explicit cookie from the caller
	CookiePartition string
	Anonymous       bool
	Redirect        types.RedirectPolicy
}

// Manager owns the lifecycle of header rules: install before dispatch,
// re-clone on redirect, delete on terminal completion.
type Manager struct {
	engine  *Engine
	counter *Counter
	cookies CookieSource
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu       sync.Mutex
	byMarker map[string]*Rule
}

// NewManager creates a header rule manager.
func NewManager(engine *Engine, counter *Counter, cookies CookieSource, logger *logging.Logger, metrics *monitoring.Metrics) *Manager {
	return &Manager{
		engine:   engine,
		counter:  counter,
		cookies:  cookies,
		logger:   logger,
		metrics:  metrics,
		byMarker: make(map[string]*Rule),
	}
}

// Install computes the header operations the primitive cannot perform
// itself and activates them as a background-scoped rule. A request that
// needs no rewriting installs no rule. Installation failure is degraded
// service, not a fatal error: the caller logs it and dispatches anyway.
func (m *Manager) Install(markerID string, spec *InstallSpec) error {
	ops := m.computeOps(spec)
	if len(ops) == 0 {
		return nil
	}

	ruleID, err := m.counter.Allocate()
	if err != nil {
		return fmt.Errorf("headrule: allocate id: %w", err)
	}

	rule := &Rule{
		ID:              ruleID,
		MarkerID:        markerID,
		URLFilter:       FilterForURL(spec.URL),
		Method:          spec.Method,
		Ops:             ops,
		FollowsRedirect: spec.Redirect.Normalize() != types.RedirectManual,
		BackgroundOnly:  true,
	}

	m.engine.Install(rule)
	m.mu.Lock()
	m.byMarker[markerID] = rule
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RulesInstalled.Inc()
		m.metrics.RulesActive.Set(float64(m.engine.Active()))
	}
	m.logger.Debug("header rule installed",
		zap.Int64("rule_id", rule.ID),
		zap.String("marker_id", markerID),
		zap.Int("ops", len(ops)),
	)
	return nil
}

// OnRedirect reacts to a redirect of a bound request. Non-manual policies
// get the rule cloned against the new target with every cookie operation
// stripped: the original cookie must not leak to the new host. Manual
// policy deletes the rule and lets the caller observe the redirect.
func (m *Manager) OnRedirect(markerID, newURL string) {
	m.mu.Lock()
	rule := m.byMarker[markerID]
	m.mu.Unlock()
	if rule == nil {
		return
	}

	if !rule.FollowsRedirect {
		m.Teardown(markerID)
		return
	}

	newID, err := m.counter.Allocate()
	if err != nil {
		m.logger.Warn("headrule: redirect re-clone failed", zap.Error(err))
		m.Teardown(markerID)
		return
	}

	ops := make([]HeaderOp, 0, len(rule.Ops))
	for _, op := range rule.Ops {
		if strings.EqualFold(op.Name, "Cookie") {
			continue
		}
		ops = append(ops, op)
	}

	clone := &Rule{
		ID:              newID,
		MarkerID:        markerID,
		URLFilter:       FilterForURL(newURL),
		Method:          rule.Method,
		Ops:             ops,
		FollowsRedirect: true,
		BackgroundOnly:  true,
	}

	m.engine.Remove(rule.ID)
	m.engine.Install(clone)
	m.mu.Lock()
	m.byMarker[markerID] = clone
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RulesInstalled.Inc()
		m.metrics.RulesActive.Set(float64(m.engine.Active()))
	}
}

// Teardown deletes the marker's rule. Safe to call when none is installed.
func (m *Manager) Teardown(markerID string) {
	m.mu.Lock()
	rule := m.byMarker[markerID]
	delete(m.byMarker, markerID)
	m.mu.Unlock()

	if rule == nil {
		return
	}
	m.engine.Remove(rule.ID)
	if m.metrics != nil {
		m.metrics.RulesActive.Set(float64(m.engine.Active()))
	}
}

// RuleFor returns the active rule for a marker, if any.
func (m *Manager) RuleFor(markerID string) (*Rule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.byMarker[markerID]
	return rule, ok
}

// computeOps builds the minimal operation set: one set op per unsafe header
// the caller supplied, plus the assembled cookie header (explicit cookie
// joined with the stored cookies for the target origin), or a bare removal
// under anonymous mode.
func (m *Manager) computeOps(spec *InstallSpec) []HeaderOp {
	var ops []HeaderOp
	var explicitCookie string

	for name, value := range spec.Headers {
		if strings.EqualFold(name, "Cookie") {
			explicitCookie = value
			continue
		}
		if UnsafeHeader(name) {
			ops = append(ops, HeaderOp{Op: OpSet, Name: http.CanonicalHeaderKey(name), Value: value})
		}
	}

	if spec.Anonymous {
		return append(ops, HeaderOp{Op: OpRemove, Name: "Cookie"})
	}

	var parts []string
	if spec.Cookie != "" {
		parts = append(parts, spec.Cookie)
	}
	if explicitCookie != "" {
		parts = append(parts, explicitCookie)
	}
	if m.cookies != nil {
		if u, err := url.Parse(spec.URL); err == nil {
			for _, c := range m.cookies.Cookies(u, spec.CookiePartition) {
				parts = append(parts, c.Name+"="+c.Value)
			}
		}
	}
	if len(parts) > 0 {
		ops = append(ops, HeaderOp{Op: OpSet, Name: "Cookie", Value: strings.Join(parts, "; ")})
	}

	return ops
}
