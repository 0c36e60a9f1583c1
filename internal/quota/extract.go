// Package quota derives the premium-request quota from whichever upstream
// payload carries it. Nothing here is stored: a QuotaRecord is recomputed on
// every read.
package quota

import (
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

// OverageUnitUSD is the list price of one premium request past the quota.
const OverageUnitUSD = 0.04

// limitedAliases are equivalent key names used over time for the premium
// bucket inside limited_user_quotas.
var limitedAliases = []string{
	"chat_premium_requests",
	"premium_interactions",
	"premium_requests",
	"premium_models",
}

// Sources are the raw decoded payloads an extraction can look at.
type Sources struct {
	LimitedQuotas any
	Token         any
	Subscription  any
}

// Strategy tries one payload shape.
type Strategy struct {
	Name    string
	Extract func(Sources) (domain.QuotaRecord, bool)
}

// Strategies is the fallback order. The first strategy that matches wins.
var Strategies = []Strategy{
	{Name: "limited_alias", Extract: func(s Sources) (domain.QuotaRecord, bool) { return fromAliases(s.LimitedQuotas) }},
	{Name: "limited_generic", Extract: func(s Sources) (domain.QuotaRecord, bool) { return fromGeneric(s.LimitedQuotas) }},
	{Name: "token_nested", Extract: fromTokenNested},
	{Name: "subscription", Extract: fromSubscription},
	{Name: "token_flat", Extract: fromTokenFlat},
}

// Extract returns the quota record, or nil when no source has quota data.
// nil means unknown, which is not the same as a zero quota.
func Extract(limitedQuotas, tokenPayload, subscriptionPayload any) *domain.QuotaRecord {
	record, _, ok := ExtractWith(Strategies, Sources{
		LimitedQuotas: limitedQuotas,
		Token:         tokenPayload,
		Subscription:  subscriptionPayload,
	})
	if !ok {
		return nil
	}
	return &record
}

// ExtractWith runs strategies in order and reports which one matched.
func ExtractWith(strategies []Strategy, src Sources) (domain.QuotaRecord, string, bool) {
	for _, s := range strategies {
		if record, ok := s.Extract(src); ok {
			return record, s.Name, true
		}
	}
	return domain.QuotaRecord{}, "", false
}

// HasUnlimitedTier reports whether the unlimited quota value is non-empty:
// a non-empty slice or map, or a truthy scalar.
func HasUnlimitedTier(unlimitedQuotas any) bool {
	if unlimitedQuotas == nil {
		return false
	}

	v := reflect.ValueOf(unlimitedQuotas)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len() > 0
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0
	default:
		return true
	}
}

func fromAliases(limited any) (domain.QuotaRecord, bool) {
	m, ok := limited.(map[string]any)
	if !ok {
		return domain.QuotaRecord{}, false
	}
	for _, key := range limitedAliases {
		value, present := m[key]
		if !present {
			continue
		}
		if record, ok := fromQuotaObject(value); ok {
			return record, true
		}
		if n, ok := number(value); ok {
			return newRecord(&n, nil, nil), true
		}
	}
	return domain.QuotaRecord{}, false
}

// fromGeneric accepts any nested object that has a numeric quota field.
// Keys are visited in sorted order so the choice is deterministic.
func fromGeneric(limited any) (domain.QuotaRecord, bool) {
	m, ok := limited.(map[string]any)
	if !ok {
		return domain.QuotaRecord{}, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if record, ok := fromQuotaObject(m[k]); ok {
			return record, true
		}
	}
	return domain.QuotaRecord{}, false
}

func fromTokenNested(s Sources) (domain.QuotaRecord, bool) {
	token, ok := s.Token.(map[string]any)
	if !ok {
		return domain.QuotaRecord{}, false
	}

	if snapshots, ok := token["quota_snapshots"].(map[string]any); ok {
		for _, key := range limitedAliases {
			snap, ok := snapshots[key].(map[string]any)
			if !ok {
				continue
			}
			if record, ok := fromSnapshot(snap); ok {
				return record, true
			}
		}
	}

	if record, ok := fromAliases(token["limited_user_quotas"]); ok {
		return record, true
	}
	return fromGeneric(token["limited_user_quotas"])
}

func fromSubscription(s Sources) (domain.QuotaRecord, bool) {
	sub, ok := s.Subscription.(map[string]any)
	if !ok {
		return domain.QuotaRecord{}, false
	}
	value, present := sub["premium_requests"]
	if !present {
		return domain.QuotaRecord{}, false
	}
	if record, ok := fromQuotaObject(value); ok {
		return record, true
	}
	if n, ok := number(value); ok {
		return newRecord(&n, nil, nil), true
	}
	return domain.QuotaRecord{}, false
}

func fromTokenFlat(s Sources) (domain.QuotaRecord, bool) {
	token, ok := s.Token.(map[string]any)
	if !ok {
		return domain.QuotaRecord{}, false
	}
	q, hasQuota := number(token["quota"])
	u, hasUsed := number(token["used"])
	if !hasQuota && !hasUsed {
		return domain.QuotaRecord{}, false
	}

	var quota, used *float64
	if hasQuota {
		quota = &q
	}
	if hasUsed {
		used = &u
	}
	return newRecord(quota, used, nil), true
}

// fromQuotaObject reads {quota, used[, overage]}.
func fromQuotaObject(value any) (domain.QuotaRecord, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return domain.QuotaRecord{}, false
	}
	q, ok := number(m["quota"])
	if !ok {
		return domain.QuotaRecord{}, false
	}

	var used, overage *float64
	if u, ok := number(m["used"]); ok {
		used = &u
	}
	if o, ok := number(m["overage"]); ok {
		overage = &o
	}
	return newRecord(&q, used, overage), true
}

// fromSnapshot reads {entitlement, remaining[, overage_count]}.
func fromSnapshot(snap map[string]any) (domain.QuotaRecord, bool) {
	entitlement, ok := number(snap["entitlement"])
	if !ok {
		return domain.QuotaRecord{}, false
	}

	var used, overage *float64
	if remaining, ok := number(snap["remaining"]); ok {
		u := math.Max(entitlement-remaining, 0)
		used = &u
	}
	if o, ok := number(snap["overage_count"]); ok {
		overage = &o
	}
	return newRecord(&entitlement, used, overage), true
}

func newRecord(quota, used, overage *float64) domain.QuotaRecord {
	record := domain.QuotaRecord{Quota: quota, Used: used}

	switch {
	case overage != nil:
		record.Overage = math.Max(*overage, 0)
	case quota != nil && used != nil:
		record.Overage = math.Max(*used-*quota, 0)
	}
	record.OverageUSD = math.Round(record.Overage*OverageUnitUSD*100) / 100
	return record
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
