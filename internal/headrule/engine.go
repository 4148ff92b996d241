package headrule

import (
	"net/http"
	"sync"
)

// Engine is the in-process declarative rule installation facility: it holds
// the active rules and applies them to outgoing requests at the transport
// tap, before any network I/O.
type Engine struct {
	mu    sync.RWMutex
	rules map[int64]*Rule
}

// NewEngine creates an empty rule engine.
func NewEngine() *Engine {
	return &Engine{rules: make(map[int64]*Rule)}
}

// Install activates a rule.
func (e *Engine) Install(rule *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
}

// Remove deletes a rule by id.
func (e *Engine) Remove(ruleID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
}

// Active returns the number of installed rules.
func (e *Engine) Active() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Get returns an installed rule by id.
func (e *Engine) Get(ruleID int64) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[ruleID]
	return r, ok
}

// Apply rewrites the request's headers with every matching rule.
// background marks requests originating from the proxy itself (no visible
// tab); rules scoped background-only skip everything else.
func (e *Engine) Apply(req *http.Request, background bool) {
	e.mu.RLock()
	matched := make([]*Rule, 0, 1)
	for _, rule := range e.rules {
		if rule.BackgroundOnly && !background {
			continue
		}
		if rule.Matches(req.URL.String(), req.Method) {
			matched = append(matched, rule)
		}
	}
	e.mu.RUnlock()

	for _, rule := range matched {
		for _, op := range rule.Ops {
			switch op.Op {
			case OpSet:
				req.Header.Set(op.Name, op.Value)
			case OpRemove:
				req.Header.Del(op.Name)
			}
		}
	}
}
