package grant

import (
	"fmt"
	"time"
)

// WildcardScope matches any scope value for a capability.
const WildcardScope = "*"

// Decision is one cached or persisted permission decision.
// Temporary decisions live only in the in-memory cache; permanent decisions
// are additionally written to the store and outlive restarts.
type Decision struct {
	ScriptID  string    `json:"script_id"`
	Kind      string    `json:"kind"` // canonical capability name
	Scope     string    `json:"scope"`
	Allow     bool      `json:"allow"`
	Permanent bool      `json:"permanent"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the cache/store key for this decision.
func (d *Decision) Key() string {
	return DecisionKey(d.ScriptID, d.Kind, d.Scope)
}

// DecisionKey builds the scriptId:kind:value key.
func DecisionKey(scriptID, kind, scope string) string {
	return fmt.Sprintf("%s:%s:%s", scriptID, kind, scope)
}
