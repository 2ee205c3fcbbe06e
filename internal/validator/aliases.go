package validator

import (
	"strings"

	"github.com/metalyst-dev/metalyst/internal/tabular"
)

// fieldAliases maps column-name synonyms seen in the wild onto canonical
// schema fields. Kept as data: the resolution is a single lookup, never
// branching logic. Canonical names are absent on purpose so resolution is
// a fixed point.
var fieldAliases = map[string]string{
	// identity
	"study":            "name",
	"study_name":       "name",
	"trial":            "name",
	"author":           "name",
	"study_id":         "id",
	"record_id":        "id",
	"publication_year": "year",
	"pub_year":         "year",

	// group sizes
	"n_exp":          "n_treatment",
	"n_e":            "n_treatment",
	"n_t":            "n_treatment",
	"n1":             "n_treatment",
	"treatment_n":    "n_treatment",
	"n_intervention": "n_treatment",
	"n_c":            "n_control",
	"n_ctrl":         "n_control",
	"n2":             "n_control",
	"control_n":      "n_control",

	// binary outcomes
	"events_exp":      "events_treatment",
	"events_e":        "events_treatment",
	"event_treatment": "events_treatment",
	"e_t":             "events_treatment",
	"r1":              "events_treatment",
	"events_c":        "events_control",
	"event_control":   "events_control",
	"e_c":             "events_control",
	"r2":              "events_control",

	// continuous outcomes
	"mean_exp": "mean_treatment",
	"mean_e":   "mean_treatment",
	"m1":       "mean_treatment",
	"mean_c":   "mean_control",
	"m2":       "mean_control",
	"sd_exp":   "sd_treatment",
	"sd_e":     "sd_treatment",
	"sd1":      "sd_treatment",
	"sd_c":     "sd_control",
	"sd2":      "sd_control",

	// precomputed statistics
	"es":       "effect_size",
	"effect":   "effect_size",
	"yi":       "effect_size",
	"ci_low":   "ci_lower",
	"lower_ci": "ci_lower",
	"lcl":      "ci_lower",
	"ci_high":  "ci_upper",
	"upper_ci": "ci_upper",
	"ucl":      "ci_upper",
	"quality":  "quality_score",
}

// CanonicalField case-folds a column name and resolves it through the alias
// table. Already-canonical names pass through unchanged.
func CanonicalField(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	if canonical, ok := fieldAliases[key]; ok {
		return canonical
	}
	return key
}

// NormalizeRow rewrites every key of a row to its canonical field name.
// Normalization is idempotent: applying it to normalized input is a no-op.
func NormalizeRow(row tabular.Row) tabular.Row {
	out := make(tabular.Row, len(row))
	for k, v := range row {
		canonical := CanonicalField(k)
		if _, exists := out[canonical]; exists && canonical != k {
			// A canonical column wins over an alias mapping onto it.
			continue
		}
		out[canonical] = v
	}
	return out
}
