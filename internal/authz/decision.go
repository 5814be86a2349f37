// Package authz decides whether an actor may perform an action, which rows it
// may see and why a decision was reached.
package authz

// Decision is the outcome of a single authorization evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow builds an allowing decision.
func Allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

// Deny builds a denying decision.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

func (d Decision) String() string {
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	if d.Reason == "" {
		return outcome
	}
	return outcome + ": " + d.Reason
}
