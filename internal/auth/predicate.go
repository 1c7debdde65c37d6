package auth

import "strings"

// Decision is a single predicate's verdict.
type Decision int

const (
	Abstain Decision = iota
	Allow
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "abstain"
	}
}

// ActionClass classifies actions for the read-open default and for gating
// object-level evaluation.
type ActionClass int

const (
	// ClassList covers collection reads; no resource instance is available.
	ClassList ActionClass = iota
	// ClassRetrieve covers single-resource reads.
	ClassRetrieve
	// ClassMutate covers anything that changes state.
	ClassMutate
)

// Safe reports whether the class is a safe/read class.
func (c ActionClass) Safe() bool { return c == ClassList || c == ClassRetrieve }

// Action names an operation and its class.
type Action struct {
	Name  string
	Class ActionClass
}

// Resource is the optional target of a permission decision. A nil *Resource
// means no instance is available (e.g. list actions).
type Resource struct {
	Type    string
	ID      string
	OwnerID string
	Attrs   map[string]string
}

// Predicate is a named, composable rule over (claims, action, resource).
type Predicate struct {
	name        string
	objectLevel bool
	eval        func(c *Claims, action Action, res *Resource) Decision
}

// Name returns the predicate's registered name.
func (p Predicate) Name() string { return p.name }

// ObjectLevel reports whether the predicate needs a resource instance.
func (p Predicate) ObjectLevel() bool { return p.objectLevel }

// Evaluate runs the rule. Object-level predicates abstain when no resource
// instance is available.
func (p Predicate) Evaluate(c *Claims, action Action, res *Resource) Decision {
	if p.objectLevel && res == nil {
		return Abstain
	}
	if p.eval == nil {
		return Abstain
	}
	return p.eval(c, action, res)
}

// PredicateFunc builds a predicate from an arbitrary rule.
func PredicateFunc(name string, objectLevel bool, fn func(c *Claims, action Action, res *Resource) Decision) Predicate {
	return Predicate{name: name, objectLevel: objectLevel, eval: fn}
}

// AnyRole allows principals holding ANY of the required roles and abstains
// otherwise. Compose with And for ALL-of semantics.
func AnyRole(roles ...string) Predicate {
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(strings.ToLower(role))
		if role != "" {
			normalized = append(normalized, role)
		}
	}
	return Predicate{
		name: "any_role(" + strings.Join(normalized, ",") + ")",
		eval: func(c *Claims, _ Action, _ *Resource) Decision {
			if c == nil {
				return Abstain
			}
			for _, role := range normalized {
				if c.HasRole(role) {
					return Allow
				}
			}
			return Abstain
		},
	}
}

// RequireRole is AnyRole that denies instead of abstaining, for rules that
// must veto rather than merely decline to vote.
func RequireRole(roles ...string) Predicate {
	any := AnyRole(roles...)
	return Predicate{
		name: "require_role" + strings.TrimPrefix(any.name, "any_role"),
		eval: func(c *Claims, action Action, res *Resource) Decision {
			if any.Evaluate(c, action, res) == Allow {
				return Allow
			}
			return Deny
		},
	}
}

// Owner allows when the rule confirms the principal owns the resource, and
// abstains otherwise. It is object-level: never consulted without an
// instance.
func Owner(fn func(c *Claims, res *Resource) bool) Predicate {
	if fn == nil {
		fn = func(c *Claims, res *Resource) bool {
			return c != nil && res != nil && res.OwnerID != "" && res.OwnerID == c.Subject
		}
	}
	return Predicate{
		name:        "owner",
		objectLevel: true,
		eval: func(c *Claims, _ Action, res *Resource) Decision {
			if fn(c, res) {
				return Allow
			}
			return Abstain
		},
	}
}

// ForAction narrows a predicate to one action, abstaining for every other.
// Deny-style predicates registered in scope use this so they gate only the
// action they name; scope predicates run even on the read-open path.
func ForAction(action string, p Predicate) Predicate {
	action = strings.TrimSpace(strings.ToLower(action))
	return Predicate{
		name:        "for_action(" + action + "):" + p.name,
		objectLevel: p.objectLevel,
		eval: func(c *Claims, a Action, res *Resource) Decision {
			if strings.ToLower(a.Name) != action {
				return Abstain
			}
			return p.Evaluate(c, a, res)
		},
	}
}

// And composes predicates with ALL-of semantics: Deny if any denies, Allow
// only if every predicate allows, Abstain otherwise.
func And(name string, preds ...Predicate) Predicate {
	objectLevel := false
	for _, p := range preds {
		if p.objectLevel {
			objectLevel = true
		}
	}
	return Predicate{
		name:        name,
		objectLevel: objectLevel,
		eval: func(c *Claims, action Action, res *Resource) Decision {
			allAllow := len(preds) > 0
			for _, p := range preds {
				switch p.Evaluate(c, action, res) {
				case Deny:
					return Deny
				case Abstain:
					allAllow = false
				}
			}
			if allAllow {
				return Allow
			}
			return Abstain
		},
	}
}
