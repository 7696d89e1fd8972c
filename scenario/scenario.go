// Package scenario applies declarative anomaly overlays to generator
// output: sensor drift, defect spikes, OEE decay and supplier quality
// issues are all expressed as rules that scale or shift numeric values
// before persistence.
package scenario

import (
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"factorysim/config"
)

// Activation modes.
const (
	ActivationAlways    = "always"
	ActivationScheduled = "scheduled"
	ActivationRandom    = "random"
	ActivationCondition = "condition"
)

// Rule effect types.
const (
	RuleLinear         = "linear"
	RuleMultiplicative = "multiplicative"
	RuleThreshold      = "threshold"
	RuleExponential    = "exponential"
	RuleStep           = "step"
)

// Overlay evaluates the enabled scenarios against a generator's context and
// adjusts a named target value. Rules apply in registration order; a rule
// whose source path is missing from the context is skipped.
type Overlay struct {
	mu        sync.RWMutex
	manager   *config.ScenarioConfigManager
	enabled   map[string]bool
	order     []string
	rngMu     sync.Mutex
	rng       *rand.Rand
	startedAt time.Time
}

// NewOverlay builds an overlay over the scenario definitions, enabling the
// given scenario ids. Unknown ids are logged and ignored.
func NewOverlay(manager *config.ScenarioConfigManager, enabledIDs []string, rng *rand.Rand, startedAt time.Time) *Overlay {
	o := &Overlay{
		manager:   manager,
		enabled:   make(map[string]bool),
		rng:       rng,
		startedAt: startedAt.UTC(),
	}
	o.SetEnabled(enabledIDs)
	return o
}

// SetEnabled replaces the enabled scenario set. Callable mid-run.
func (o *Overlay) SetEnabled(ids []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.enabled = make(map[string]bool, len(ids))
	o.order = o.order[:0]
	if o.manager == nil {
		return
	}
	for _, id := range ids {
		if _, ok := o.manager.GetScenario(id); !ok {
			log.Printf("[Scenario] unknown scenario id %q, ignoring", id)
			continue
		}
		if !o.enabled[id] {
			o.enabled[id] = true
			o.order = append(o.order, id)
		}
	}
}

// EnabledIDs returns the currently enabled scenario ids.
func (o *Overlay) EnabledIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// Adjust applies every active rule targeting target to base and returns the
// adjusted value. Satisfies the generators' Adjuster contract.
func (o *Overlay) Adjust(now time.Time, context map[string]interface{}, target string, base float64) float64 {
	o.mu.RLock()
	ids := make([]string, len(o.order))
	copy(ids, o.order)
	o.mu.RUnlock()

	if o.manager == nil {
		return base
	}

	value := base
	for _, id := range ids {
		def, ok := o.manager.GetScenario(id)
		if !ok {
			continue
		}
		if !o.isActive(def, now, context) {
			continue
		}
		for _, rule := range def.Rules {
			if rule.TargetPath != target {
				continue
			}
			src, ok := lookupRaw(context, rule.SourcePath)
			if !ok {
				continue
			}
			value = applyRule(rule, src, value)
		}
	}
	return value
}

// isActive decides whether a scenario applies at this instant.
func (o *Overlay) isActive(def config.ScenarioDefinition, now time.Time, context map[string]interface{}) bool {
	switch def.Activation {
	case ActivationAlways:
		return true
	case ActivationScheduled:
		start := o.startedAt
		if def.Start != "" {
			if parsed, err := time.Parse(time.RFC3339, def.Start); err == nil {
				start = parsed.UTC()
			}
		}
		end := start.Add(time.Duration(def.DurationSeconds) * time.Second)
		return !now.Before(start) && now.Before(end)
	case ActivationRandom:
		// Multiple generator goroutines share this rand source.
		o.rngMu.Lock()
		roll := o.rng.Float64()
		o.rngMu.Unlock()
		return roll < def.Probability
	case ActivationCondition:
		return evalCondition(def.Condition, context)
	default:
		return false
	}
}

// applyRule computes one rule's effect on the running value. The source
// is raw so a multiplicative factor_map can key on string discriminators
// such as a vendor grade; every other rule type needs a numeric source
// and leaves the value alone otherwise.
func applyRule(rule config.CorrelationRule, raw interface{}, value float64) float64 {
	params := rule.Parameters
	if rule.Type == RuleMultiplicative {
		if m, ok := params["factor_map"].(map[string]interface{}); ok {
			if f, ok := m[factorKey(raw)]; ok {
				return value * toFloat(f, 1)
			}
			return value
		}
		return value * paramFloat(params, "factor", 1)
	}

	src, ok := asFloat(raw)
	if !ok {
		return value
	}
	switch rule.Type {
	case RuleLinear:
		return value + src*paramFloat(params, "coefficient", 1) + paramFloat(params, "intercept", 0)
	case RuleThreshold:
		if src > paramFloat(params, "threshold", 0) {
			return value * paramFloat(params, "above_factor", 1)
		}
		return value * paramFloat(params, "below_factor", 1)
	case RuleExponential:
		base := paramFloat(params, "base", math.E)
		reference := paramFloat(params, "reference", 0)
		scale := paramFloat(params, "scale", 1)
		return value * math.Pow(base, (src-reference)*scale)
	case RuleStep:
		steps, ok := params["steps"].([]interface{})
		if !ok {
			return value
		}
		for _, raw := range steps {
			step, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if src <= toFloat(step["max"], math.Inf(1)) {
				return value * toFloat(step["factor"], 1)
			}
		}
		return value
	default:
		return value
	}
}

// lookupRaw walks a dot path through nested maps and returns the leaf.
func lookupRaw(context map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = context
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// lookupPath resolves a dot path to a numeric leaf.
func lookupPath(context map[string]interface{}, path string) (float64, bool) {
	raw, ok := lookupRaw(context, path)
	if !ok {
		return 0, false
	}
	return asFloat(raw)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// factorKey renders a factor_map key: strings verbatim, numbers in their
// shortest decimal form.
func factorKey(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := asFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// evalCondition evaluates a restricted "path op number" expression against
// the context. No general expression language: just a comparison.
func evalCondition(expr string, context map[string]interface{}) bool {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return false
	}
	src, ok := lookupPath(context, fields[0])
	if !ok {
		return false
	}
	threshold, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return false
	}
	switch fields[1] {
	case ">":
		return src > threshold
	case ">=":
		return src >= threshold
	case "<":
		return src < threshold
	case "<=":
		return src <= threshold
	case "==":
		return src == threshold
	case "!=":
		return src != threshold
	default:
		return false
	}
}

func paramFloat(params map[string]interface{}, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	v, ok := params[key]
	if !ok {
		return fallback
	}
	return toFloat(v, fallback)
}

func toFloat(v interface{}, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}
