package grant

import (
	"strings"
	"sync"

	"github.com/scriptgate/scriptgate/internal/script"
)

// ScopeKind says what a capability's decisions are scoped by.
type ScopeKind string

const (
	// ScopeHost scopes decisions to a target hostname.
	ScopeHost ScopeKind = "host"
	// ScopeNone means the capability carries no per-value scope.
	ScopeNone ScopeKind = "none"
)

// Capability describes one privileged API a script can be granted.
type Capability struct {
	Name            string
	RequiresConfirm bool
	Scope           ScopeKind
	WildcardAllowed bool
}

// Registry is the explicit capability-name-to-definition map built at
// startup, with precomputed alias and link indices. Aliases are alternate
// spellings of the same capability; a link says that granting one capability
// implicitly authorizes another (closing a tab implies having opened one).
type Registry struct {
	mu      sync.RWMutex
	caps    map[string]*Capability
	aliases map[string]string   // alias -> canonical name
	links   map[string][]string // capability -> grants that also satisfy it
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		caps:    make(map[string]*Capability),
		aliases: make(map[string]string),
		links:   make(map[string][]string),
	}
}

// Add registers a capability and its alternate spellings.
func (r *Registry) Add(cap *Capability, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[cap.Name] = cap
	for _, a := range aliases {
		r.aliases[a] = cap.Name
	}
}

// Link records that declaring impliedBy also authorizes name.
func (r *Registry) Link(name, impliedBy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[name] = append(r.links[name], impliedBy)
}

// Resolve maps a (possibly aliased) name to its capability definition.
func (r *Registry) Resolve(name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name string) (*Capability, bool) {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	cap, ok := r.caps[name]
	return cap, ok
}

// Covers scans the script's grant list for an exact name match, a registered
// alias, or a capability link, and returns the canonical capability.
func (r *Registry) Covers(m *script.Manifest, name string) (*Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cap, ok := r.resolveLocked(name)
	if !ok {
		return nil, false
	}

	declared := make(map[string]bool, len(m.Grants))
	for _, g := range m.Grants {
		declared[g] = true
		if canonical, ok := r.aliases[g]; ok {
			declared[canonical] = true
		}
	}

	if declared[cap.Name] {
		return cap, true
	}
	for _, linked := range r.links[cap.Name] {
		if declared[linked] {
			return cap, true
		}
	}
	return nil, false
}

// CapabilityXHR is the privileged cross-origin request capability.
const CapabilityXHR = "GM_xmlhttpRequest"

// DefaultRegistry builds the registry of capabilities this daemon serves.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Add(&Capability{
		Name:            CapabilityXHR,
		RequiresConfirm: true,
		Scope:           ScopeHost,
		WildcardAllowed: true,
	}, "GM.xmlHttpRequest")
	r.Add(&Capability{
		Name:  "GM_openInTab",
		Scope: ScopeNone,
	}, "GM.openInTab")
	r.Add(&Capability{
		Name:  "GM_closeTab",
		Scope: ScopeNone,
	})
	// A script that may open tabs may also close the ones it opened.
	r.Link("GM_closeTab", "GM_openInTab")
	return r
}

// NormalizeScope lowercases host scopes so cache keys are stable.
func NormalizeScope(kind ScopeKind, scope string) string {
	if kind == ScopeHost {
		return strings.ToLower(scope)
	}
	return scope
}
