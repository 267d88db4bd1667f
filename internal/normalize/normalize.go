// Package normalize turns records read from a source database into payloads
// the destination database will accept.
//
// Cleaning is driven by the rule tables in rules.go. Record scope (top-level
// records and elements of sequences) gets module-conditional drops and
// flattens; nested single objects only get the generic drops, tax-id
// normalization and recursion. Element rules run after an element has been
// cleaned.
package normalize

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/mapping"
	"github.com/JakeFAU/accurate-migrator/internal/metrics"
	"github.com/JakeFAU/accurate-migrator/internal/module"
	"github.com/JakeFAU/accurate-migrator/internal/record"
)

const taxIDLength = 16

// Scope describes where a record is going.
type Scope struct {
	Endpoint   string
	DatabaseID int64
	Shared     *module.SharedContext
	Meta       module.Meta
}

// Normalizer cleans records. The mapping reader is optional; without it
// reference numbers are passed through unchanged.
type Normalizer struct {
	mappings mapping.Reader
	logger   *zap.Logger
}

// New constructs a Normalizer.
func New(mappings mapping.Reader, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{mappings: mappings, logger: logger.Named("normalize")}
}

// Normalize runs the module transform hook on a copy of rec and cleans the result.
// The input is never modified.
func (n *Normalizer) Normalize(ctx context.Context, rec record.Record, scope Scope) record.Record {
	out := rec.Clone()
	if out == nil {
		return record.Record{}
	}
	module.ForEndpoint(scope.Endpoint).Transform(out, scope.Shared, scope.Meta, n.logger)
	return n.Clean(ctx, out, scope)
}

// Clean applies the rule tables to rec without calling module hooks.
func (n *Normalizer) Clean(ctx context.Context, rec record.Record, scope Scope) record.Record {
	return n.cleanObject(ctx, rec, scope, true)
}

func (n *Normalizer) cleanObject(ctx context.Context, rec record.Record, scope Scope, recordScope bool) record.Record {
	out := make(record.Record, len(rec))
	var flattened record.Record

	for key, value := range rec {
		if dropped(key, value, scope.Endpoint, recordScope) {
			continue
		}
		if recordScope {
			if rule, ok := flattenRule(key, scope.Endpoint); ok {
				if obj, isObj := record.AsRecord(value); isObj {
					if v, ok := obj.Lookup(rule.Sub); ok && isScalarValue(v) {
						if flattened == nil {
							flattened = record.Record{}
						}
						flattened[rule.Target] = v
					}
					continue
				}
			}
		}
		if _, isTaxID := taxIDFields[key]; isTaxID {
			if s, ok := value.(string); ok {
				if digits, keep := NormalizeTaxID(s); keep {
					out[key] = digits
				}
				continue
			}
		}
		if obj, ok := record.AsRecord(value); ok {
			if cleaned := n.cleanObject(ctx, obj, scope, false); len(cleaned) > 0 {
				out[key] = cleaned
			}
			continue
		}
		if list, ok := record.AsList(value); ok {
			if cleaned := n.cleanList(ctx, key, list, scope); len(cleaned) > 0 {
				out[key] = cleaned
			}
			continue
		}
		out[key] = value
	}

	// flatten targets win over fields already present
	for k, v := range flattened {
		out[k] = v
	}
	return out
}

func (n *Normalizer) cleanList(ctx context.Context, field string, list []any, scope Scope) []any {
	rules := elementRules(field, scope.Endpoint)
	out := make([]any, 0, len(list))
	for _, v := range list {
		if obj, ok := record.AsRecord(v); ok {
			cleaned := n.cleanObject(ctx, obj, scope, true)
			if len(cleaned) == 0 {
				continue
			}
			keep := true
			for _, rule := range rules {
				if cleaned, keep = applyActions(ctx, n, cleaned, scope, rule.Actions); !keep {
					break
				}
			}
			if keep {
				out = append(out, cleaned)
			}
			continue
		}
		if sub, ok := record.AsList(v); ok {
			if cleaned := n.cleanList(ctx, field, sub, scope); len(cleaned) > 0 {
				out = append(out, cleaned)
			}
			continue
		}
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// mappedNumber resolves old through the mapping store, falling back to old on
// a miss, a lookup error, or an unknown destination database.
func (n *Normalizer) mappedNumber(ctx context.Context, scope Scope, moduleSlug, old string) string {
	if n.mappings == nil || scope.DatabaseID == 0 {
		metrics.ObserveMappingLookup(moduleSlug, "skipped")
		return old
	}
	newNumber, found, err := n.mappings.Get(ctx, scope.DatabaseID, moduleSlug, old)
	switch {
	case err != nil:
		metrics.ObserveMappingLookup(moduleSlug, "error")
		n.logger.Warn("mapping lookup failed, keeping original number",
			zap.Int64("database_id", scope.DatabaseID),
			zap.String("module", moduleSlug),
			zap.String("old_number", old),
			zap.Error(err),
		)
		return old
	case !found || newNumber == "":
		metrics.ObserveMappingLookup(moduleSlug, "miss")
		return old
	default:
		metrics.ObserveMappingLookup(moduleSlug, "hit")
		return newNumber
	}
}

// NormalizeTaxID keeps the digits of s, right-pads them with zeros and cuts
// them to sixteen characters. It reports false when s has no digits.
func NormalizeTaxID(s string) (string, bool) {
	var b strings.Builder
	b.Grow(taxIDLength)
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", false
	}
	if len(digits) < taxIDLength {
		digits += strings.Repeat("0", taxIDLength-len(digits))
	}
	return digits[:taxIDLength], true
}

func dropped(key string, value any, endpoint string, recordScope bool) bool {
	if _, ok := alwaysDropped[key]; ok {
		return true
	}
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok && s == "" {
		return true
	}
	if strings.HasSuffix(key, "Id") && record.IsNumericZero(value) {
		return true
	}
	if !recordScope {
		return false
	}
	for _, rule := range DropRules {
		if rule.Field == key && rule.When.match(endpoint) {
			return true
		}
	}
	return false
}

func flattenRule(key, endpoint string) (FlattenRule, bool) {
	for _, rule := range FlattenRules {
		if rule.Field == key && rule.When.match(endpoint) {
			return rule, true
		}
	}
	return FlattenRule{}, false
}

func elementRules(field, endpoint string) []ElementRule {
	var out []ElementRule
	for _, rule := range ElementRules {
		if rule.Field == field && rule.When.match(endpoint) {
			out = append(out, rule)
		}
	}
	return out
}
