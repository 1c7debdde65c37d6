package auth

import (
	"strings"

	"kilit.org/internal/obs"
)

// Evaluator decides allow/deny for (claims, action, resource) from a fixed
// registry of predicates. It is state-free at evaluation time: registration
// happens once at wiring, evaluation is pure computation, and ambiguity
// fails closed.
type Evaluator struct {
	// rules keyed by action name + resource type; "" matches any.
	rules map[ruleKey][]Predicate

	// scope predicates are consulted on every decision, including the
	// read-open path. A scope Deny always wins.
	scope []Predicate
}

type ruleKey struct {
	action       string
	resourceType string
}

// NewEvaluator returns an empty evaluator (which denies every non-safe
// action until predicates are registered).
func NewEvaluator() *Evaluator {
	return &Evaluator{rules: make(map[ruleKey][]Predicate)}
}

// Register binds predicates to an action/resource-type pair, in priority
// order. Empty action or resource type acts as a wildcard.
func (e *Evaluator) Register(action, resourceType string, preds ...Predicate) {
	key := ruleKey{
		action:       strings.TrimSpace(strings.ToLower(action)),
		resourceType: strings.TrimSpace(strings.ToLower(resourceType)),
	}
	e.rules[key] = append(e.rules[key], preds...)
}

// RegisterScope adds scope-level predicates consulted on every decision.
func (e *Evaluator) RegisterScope(preds ...Predicate) {
	e.scope = append(e.scope, preds...)
}

// Evaluate runs the decision procedure:
//
//  1. Scope predicates first; any Deny is final.
//  2. Safe actions with no object-level predicate registered for the
//     resource type default-allow (read-open).
//  3. Otherwise registered predicates run in priority order: any explicit
//     Deny wins immediately, then any explicit Allow wins, and if every
//     predicate abstains the default is Deny.
//
// A nil error means allow; denial is ErrInsufficientPermission.
func (e *Evaluator) Evaluate(claims *Claims, action Action, res *Resource) error {
	resourceType := ""
	if res != nil {
		resourceType = strings.TrimSpace(strings.ToLower(res.Type))
	}
	preds := e.collect(action.Name, resourceType)

	for _, p := range e.scope {
		if p.Evaluate(claims, action, res) == Deny {
			obs.IncPermissionDenial(action.Name)
			return ErrInsufficientPermission
		}
	}

	if action.Class.Safe() && !hasObjectLevel(preds) {
		return nil
	}

	sawAllow := false
	for _, p := range preds {
		switch p.Evaluate(claims, action, res) {
		case Deny:
			obs.IncPermissionDenial(action.Name)
			return ErrInsufficientPermission
		case Allow:
			sawAllow = true
		}
	}
	if sawAllow {
		return nil
	}
	obs.IncPermissionDenial(action.Name)
	return ErrInsufficientPermission
}

// collect gathers predicates for the action/resource pair, most specific
// registration first, preserving per-key registration order.
func (e *Evaluator) collect(action, resourceType string) []Predicate {
	action = strings.TrimSpace(strings.ToLower(action))
	keys := []ruleKey{
		{action: action, resourceType: resourceType},
		{action: action, resourceType: ""},
		{action: "", resourceType: resourceType},
	}
	var out []Predicate
	seen := make(map[ruleKey]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e.rules[key]...)
	}
	return out
}

func hasObjectLevel(preds []Predicate) bool {
	for _, p := range preds {
		if p.ObjectLevel() {
			return true
		}
	}
	return false
}
