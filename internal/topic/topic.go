// Package topic implements the subscription topic model: authored topic
// definitions, compilation of their trigger rules, and the read-mostly
// registry the event generator queries on every store change.
package topic

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/pathexpr"
	"github.com/carewire/carewire/internal/store"
)

// Result of a query predicate for interactions where only one revision
// exists.
type Result string

const (
	ResultPasses Result = "passes"
	ResultFails  Result = "fails"
)

// QueryPredicate is the declarative previous/current match rule of a trigger.
// RequireBoth defaults to true; only an explicit false relaxes the match to
// either side.
type QueryPredicate struct {
	Previous        string `json:"previous,omitempty"`
	Current         string `json:"current,omitempty"`
	ResultForCreate Result `json:"resultForCreate,omitempty"`
	ResultForDelete Result `json:"resultForDelete,omitempty"`
	RequireBoth     *bool  `json:"requireBoth,omitempty"`
}

func (qp *QueryPredicate) requireBoth() bool {
	return qp.RequireBoth == nil || *qp.RequireBoth
}

// Trigger is one resource-level trigger of a topic. A topic matches a change
// when any of its triggers matches.
type Trigger struct {
	ResourceType   string            `json:"resourceType"`
	Interactions   []store.ChangeKind `json:"interactions"`
	QueryPredicate *QueryPredicate   `json:"queryPredicate,omitempty"`
	PathExpression string            `json:"pathExpression,omitempty"`

	// EmptyPredicateMatches controls whether an absent previous/current
	// sub-query counts as satisfied. Defaults to true; topics that want a
	// missing predicate to veto the match set it to false explicitly.
	EmptyPredicateMatches *bool `json:"emptyPredicateMatches,omitempty"`
}

// Definition is an authored topic, shape-independent: the loader normalizes
// all authored variants into this form before registration.
type Definition struct {
	URL               string              `json:"url"`
	Title             string              `json:"title,omitempty"`
	Triggers          []Trigger           `json:"triggers"`
	CanFilterBy       map[string][]string `json:"canFilterBy,omitempty"` // resourceType (or "*") -> param names
	NotificationShape []string            `json:"notificationShape,omitempty"`
}

// AllowsFilter reports whether param is declared filterable for the resource
// type (directly or via the wildcard entry).
func (d *Definition) AllowsFilter(resourceType, param string) bool {
	for _, rt := range []string{resourceType, "*"} {
		for _, p := range d.CanFilterBy[rt] {
			if p == param {
				return true
			}
		}
	}
	return false
}

// MatchReason records which trigger mode produced a match.
type MatchReason string

const (
	ReasonNone  MatchReason = "none"
	ReasonQuery MatchReason = "query"
	ReasonPath  MatchReason = "path"
	ReasonBoth  MatchReason = "both"
)

type compiledTrigger struct {
	resourceType string
	interactions map[store.ChangeKind]bool

	previous *compiledQuery
	current  *compiledQuery
	query    *QueryPredicate

	path *pathexpr.Expr

	emptyPredicateMatches bool
}

// Compiled is an immutable registered topic. Reads never mutate it, so the
// registry can hand it out under a read lock.
type Compiled struct {
	Definition
	triggers []compiledTrigger
}

// Registry holds compiled topics keyed by canonical URL.
type Registry struct {
	mu     sync.RWMutex
	byURL  map[string]*Compiled
	eval   *pathexpr.Evaluator
	logger zerolog.Logger
}

func NewRegistry(eval *pathexpr.Evaluator, logger zerolog.Logger) *Registry {
	return &Registry{
		byURL:  make(map[string]*Compiled),
		eval:   eval,
		logger: logger.With().Str("component", "topic-registry").Logger(),
	}
}

// Register compiles and inserts a topic, replacing any earlier registration
// with the same canonical URL.
func (r *Registry) Register(def Definition) (*Compiled, error) {
	if def.URL == "" {
		return nil, fmt.Errorf("topic has no canonical URL")
	}
	if len(def.Triggers) == 0 {
		return nil, fmt.Errorf("topic %s has no triggers", def.URL)
	}

	compiled := &Compiled{Definition: def}
	for i, trig := range def.Triggers {
		ct, err := r.compileTrigger(def.URL, trig)
		if err != nil {
			return nil, fmt.Errorf("topic %s trigger %d: %w", def.URL, i, err)
		}
		compiled.triggers = append(compiled.triggers, ct)
	}

	r.mu.Lock()
	r.byURL[def.URL] = compiled
	r.mu.Unlock()

	r.logger.Info().Str("topic", def.URL).Int("triggers", len(compiled.triggers)).Msg("topic registered")
	return compiled, nil
}

func (r *Registry) compileTrigger(url string, trig Trigger) (compiledTrigger, error) {
	if trig.ResourceType == "" {
		return compiledTrigger{}, fmt.Errorf("trigger has no resourceType")
	}
	if len(trig.Interactions) == 0 {
		return compiledTrigger{}, fmt.Errorf("trigger has no interactions")
	}
	ct := compiledTrigger{
		resourceType:          trig.ResourceType,
		interactions:          make(map[store.ChangeKind]bool, len(trig.Interactions)),
		emptyPredicateMatches: true,
	}
	if trig.EmptyPredicateMatches != nil {
		ct.emptyPredicateMatches = *trig.EmptyPredicateMatches
	}
	for _, k := range trig.Interactions {
		switch k {
		case store.ChangeCreate, store.ChangeUpdate, store.ChangeDelete:
			ct.interactions[k] = true
		default:
			return compiledTrigger{}, fmt.Errorf("unknown interaction %q", k)
		}
	}
	if trig.QueryPredicate != nil {
		qp := *trig.QueryPredicate
		prev, warnings, err := parseQuery(qp.Previous)
		if err != nil {
			return compiledTrigger{}, fmt.Errorf("previous query: %w", err)
		}
		cur, curWarnings, err := parseQuery(qp.Current)
		if err != nil {
			return compiledTrigger{}, fmt.Errorf("current query: %w", err)
		}
		for _, w := range append(warnings, curWarnings...) {
			r.logger.Warn().Str("topic", url).Msg(w)
		}
		ct.previous = prev
		ct.current = cur
		ct.query = &qp
	}
	if trig.PathExpression != "" {
		expr, err := r.eval.Compile(trig.PathExpression)
		if err != nil {
			return compiledTrigger{}, fmt.Errorf("path expression: %w", err)
		}
		ct.path = expr
	}
	return ct, nil
}

// Get returns the compiled topic for a canonical URL.
func (r *Registry) Get(url string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byURL[url]
	return t, ok
}

// All returns every registered topic.
func (r *Registry) All() []*Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Compiled, 0, len(r.byURL))
	for _, t := range r.byURL {
		out = append(out, t)
	}
	return out
}

// LookupForChange returns topics with at least one trigger whose resource
// type and interaction cover the change.
func (r *Registry) LookupForChange(resourceType string, kind store.ChangeKind) []*Compiled {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Compiled
	for _, t := range r.byURL {
		for _, ct := range t.triggers {
			if ct.resourceType == resourceType && ct.interactions[kind] {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Evaluate reports whether the topic matches the change. Triggers are
// disjunctive: the first matching trigger decides. Evaluation errors count as
// no-match with a diagnostic, never as a hard failure.
func (r *Registry) Evaluate(t *Compiled, ch store.Change, diags *pathexpr.Diagnostics) (bool, MatchReason) {
	for _, ct := range t.triggers {
		if ct.resourceType != ch.ResourceType || !ct.interactions[ch.Kind] {
			continue
		}
		matched, reason := r.evaluateTrigger(t.URL, ct, ch, diags)
		if matched {
			return true, reason
		}
	}
	return false, ReasonNone
}

func (r *Registry) evaluateTrigger(url string, ct compiledTrigger, ch store.Change, diags *pathexpr.Diagnostics) (bool, MatchReason) {
	hasQuery := ct.query != nil
	hasPath := ct.path != nil

	queryOK := false
	if hasQuery {
		queryOK = r.evaluateQuery(ct, ch)
	}

	pathOK := false
	if hasPath {
		var prev, cur map[string]interface{}
		if ch.Previous != nil {
			prev = ch.Previous
		}
		if ch.Current != nil {
			cur = ch.Current
		}
		ok, err := r.eval.EvaluateBool(ct.path, prev, cur, diags)
		if err != nil {
			diags.Add("path criteria failed: %v", err)
			r.logger.Warn().Str("topic", url).Err(err).Msg("path criteria evaluation failed")
			ok = false
		}
		pathOK = ok
	}

	switch {
	case hasQuery && hasPath:
		if ct.query.requireBoth() {
			if queryOK && pathOK {
				return true, ReasonBoth
			}
			return false, ReasonNone
		}
		switch {
		case queryOK && pathOK:
			return true, ReasonBoth
		case queryOK:
			return true, ReasonQuery
		case pathOK:
			return true, ReasonPath
		}
		return false, ReasonNone
	case hasQuery:
		if queryOK {
			return true, ReasonQuery
		}
	case hasPath:
		if pathOK {
			return true, ReasonPath
		}
	default:
		// resource type + interaction only
		return true, ReasonQuery
	}
	return false, ReasonNone
}

func (r *Registry) evaluateQuery(ct compiledTrigger, ch store.Change) bool {
	qp := ct.query
	switch ch.Kind {
	case store.ChangeCreate:
		// unset result defaults to passes
		if qp.ResultForCreate == ResultFails {
			return false
		}
		return r.querySide(ct.current, ch.Current, ct.emptyPredicateMatches)
	case store.ChangeDelete:
		if qp.ResultForDelete == ResultFails {
			return false
		}
		return r.querySide(ct.previous, ch.Previous, ct.emptyPredicateMatches)
	default: // update
		prevOK := r.querySide(ct.previous, ch.Previous, ct.emptyPredicateMatches)
		curOK := r.querySide(ct.current, ch.Current, ct.emptyPredicateMatches)
		if qp.requireBoth() {
			return prevOK && curOK
		}
		return prevOK || curOK
	}
}

// querySide evaluates one half of a query predicate. An absent sub-query is
// vacuously satisfied unless the trigger opted out.
func (r *Registry) querySide(q *compiledQuery, resource map[string]interface{}, emptyMatches bool) bool {
	if q == nil {
		return emptyMatches
	}
	return q.matches(resource)
}
