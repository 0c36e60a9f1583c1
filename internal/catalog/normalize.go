package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

var (
	premiumFlagPaths = []string{"billing.is_premium", "billing.premium", "is_premium", "premium"}
	multiplierPaths  = []string{"billing.multiplier", "billing.premium_multiplier", "premium_multiplier", "multiplier"}
	contextPaths     = []string{
		"capabilities.limits.max_context_window_tokens",
		"limits.max_context_window_tokens",
		"limits.context_window",
		"context_window",
		"context_length",
		"max_context_tokens",
		"top_provider.context_length",
	}
	displayNamePaths = []string{"name", "display_name"}
	providerPaths    = []string{"vendor", "owned_by", "provider"}
)

type staticTier struct {
	prefix     string
	tier       domain.Tier
	multiplier float64
}

// staticTiers is consulted only when an entry carries no billing data.
// Longer prefixes must come first.
var staticTiers = []staticTier{
	{"gpt-4o-mini", domain.TierStandard, 0},
	{"gpt-4o", domain.TierStandard, 0},
	{"gpt-4.1", domain.TierStandard, 0},
	{"gpt-5-mini", domain.TierStandard, 0},
	{"gpt-4.5", domain.TierPremium, 50},
	{"gpt-5", domain.TierPremium, 1},
	{"o1", domain.TierPremium, 10},
	{"o3-mini", domain.TierPremium, 0.33},
	{"o3", domain.TierPremium, 1},
	{"o4-mini", domain.TierPremium, 0.33},
	{"claude-3.5-sonnet", domain.TierPremium, 1},
	{"claude-3.7-sonnet-thought", domain.TierPremium, 1.25},
	{"claude-3.7-sonnet", domain.TierPremium, 1},
	{"claude-sonnet-4", domain.TierPremium, 1},
	{"claude-opus-4", domain.TierPremium, 10},
	{"gemini-2.0-flash", domain.TierPremium, 0.25},
	{"gemini-2.5-pro", domain.TierPremium, 1},
}

// Parse accepts the three catalog shapes seen in the wild ({"data": [...]},
// {"models": [...]}, or a bare array) and returns the usable models sorted
// by provider and id.
func Parse(body []byte) ([]domain.ModelDescriptor, error) {
	entries, err := extractEntries(body)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(entries))
	models := make([]domain.ModelDescriptor, 0, len(entries))
	for _, entry := range entries {
		model, ok := Normalize(entry)
		if !ok {
			continue
		}
		if _, dup := seen[model.ID]; dup {
			continue
		}
		seen[model.ID] = struct{}{}
		models = append(models, model)
	}

	sort.SliceStable(models, func(i, j int) bool {
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}
		return models[i].ID < models[j].ID
	})

	return models, nil
}

func extractEntries(body []byte) ([]map[string]any, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	var list []any
	switch v := raw.(type) {
	case []any:
		list = v
	case map[string]any:
		if data, ok := v["data"].([]any); ok {
			list = data
		} else if models, ok := v["models"].([]any); ok {
			list = models
		} else {
			return nil, fmt.Errorf("decode catalog: no data or models array")
		}
	default:
		return nil, fmt.Errorf("decode catalog: unexpected top-level %T", raw)
	}

	entries := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if entry, ok := item.(map[string]any); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Normalize turns one raw entry into a descriptor. It reports false for
// entries that cannot be used for chat.
func Normalize(entry map[string]any) (domain.ModelDescriptor, bool) {
	id, _ := entry["id"].(string)
	id = strings.TrimSpace(id)
	if id == "" || !selectable(entry) {
		return domain.ModelDescriptor{}, false
	}

	window, ok := firstNumber(entry, contextPaths...)
	if !ok || window <= 0 {
		return domain.ModelDescriptor{}, false
	}
	contextWindow := int(window)

	model := domain.ModelDescriptor{
		ID:                  id,
		DisplayName:         firstString(entry, displayNamePaths...),
		Provider:            firstString(entry, providerPaths...),
		ContextWindowTokens: &contextWindow,
	}
	if model.Provider == "" {
		model.Provider = providerFromID(id)
	}

	if m, ok := firstNumber(entry, multiplierPaths...); ok && m >= 0 {
		model.Multiplier = &m
	}
	model.Tier = deriveTier(entry, &model)

	return model, true
}

func selectable(entry map[string]any) bool {
	if enabled, ok := asBool(lookup(entry, "model_picker_enabled")); ok && !enabled {
		return false
	}
	if state, ok := lookup(entry, "policy.state").(string); ok && state == "disabled" {
		return false
	}
	if kind, ok := lookup(entry, "capabilities.type").(string); ok && kind != "" && kind != "chat" {
		return false
	}
	return true
}

// deriveTier prefers explicit billing data, then the static table, then
// standard. A zero multiplier always means standard.
func deriveTier(entry map[string]any, model *domain.ModelDescriptor) domain.Tier {
	tier := domain.TierStandard

	if flag, ok := firstBool(entry, premiumFlagPaths...); ok {
		if flag {
			tier = domain.TierPremium
		}
	} else if model.Multiplier != nil {
		if *model.Multiplier > 0 {
			tier = domain.TierPremium
		}
	} else if st, ok := lookupStatic(model.ID); ok {
		tier = st.tier
		m := st.multiplier
		model.Multiplier = &m
	}

	if model.Multiplier != nil && *model.Multiplier == 0 {
		tier = domain.TierStandard
	}
	return tier
}

func lookupStatic(id string) (staticTier, bool) {
	lower := strings.ToLower(id)
	for _, st := range staticTiers {
		if strings.HasPrefix(lower, st.prefix) {
			return st, true
		}
	}
	return staticTier{}, false
}

func providerFromID(id string) string {
	lower := strings.ToLower(id)
	switch {
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return "OpenAI"
	case strings.HasPrefix(lower, "claude"):
		return "Anthropic"
	case strings.HasPrefix(lower, "gemini"):
		return "Google"
	case strings.HasPrefix(lower, "grok"):
		return "xAI"
	default:
		return "unknown"
	}
}

func lookup(entry map[string]any, path string) any {
	var current any = entry
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}
	return current
}

func firstString(entry map[string]any, paths ...string) string {
	for _, p := range paths {
		if s, ok := lookup(entry, p).(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func firstNumber(entry map[string]any, paths ...string) (float64, bool) {
	for _, p := range paths {
		if n, ok := asNumber(lookup(entry, p)); ok {
			return n, true
		}
	}
	return 0, false
}

func firstBool(entry map[string]any, paths ...string) (bool, bool) {
	for _, p := range paths {
		if b, ok := asBool(lookup(entry, p)); ok {
			return b, true
		}
	}
	return false, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}
