package report

import (
	"fmt"
	"time"

	"github.com/cbroglie/mustache"
	"github.com/dustin/go-humanize"

	"github.com/metalyst-dev/metalyst/internal/meta"
)

// FileName is the generated report's name inside the session's output dir.
const FileName = "report.md"

const reportTemplate = `# Meta-Analysis Report: {{name}}

*Session {{session_id}}, generated {{generated_at}} ({{generated_ago}}).*

## Analysis

| Setting | Value |
| --- | --- |
| Effect measure | {{effect_measure}} |
| Model | {{model}}{{#hartung_knapp}} (Hartung-Knapp adjustment){{/hartung_knapp}} |
| Confidence level | {{confidence_level}} |
| Records pooled | {{record_count}} |

## Overall Effect

**{{effect_measure}} = {{estimate}}** ({{ci_label}} CI {{ci_lower}} to {{ci_upper}}), p = {{p_value}}, z = {{z_score}}.

{{#heterogeneity}}
## Heterogeneity

I² = {{i_squared}}%, Q = {{q_statistic}} (p = {{q_p_value}}), tau² = {{tau_squared}}.

{{interpretation}}
{{/heterogeneity}}
{{#bias_test}}
## Publication Bias

{{method}}: statistic = {{statistic}}, p = {{p_value}}. {{interpretation}}
{{/bias_test}}
{{#has_contributions}}
## Study Contributions

| Study | Effect | CI | Weight |
| --- | --- | --- | --- |
{{#contributions}}
| {{record_id}} | {{effect}} | {{ci_lower}} to {{ci_upper}} | {{weight}}% |
{{/contributions}}
{{/has_contributions}}
{{#has_warnings}}
## Warnings

{{#warnings}}
- {{.}}
{{/warnings}}
{{/has_warnings}}
`

// Render produces the markdown report for a session with stored results.
func Render(sess *meta.Session) ([]byte, error) {
	if sess.Results == nil {
		return nil, fmt.Errorf("session %s has no results to report", sess.ID)
	}
	res := sess.Results

	data := map[string]interface{}{
		"name":             sess.Name,
		"session_id":       sess.ID,
		"generated_at":     time.Now().UTC().Format(time.RFC3339),
		"generated_ago":    humanize.Time(sess.CreatedAt),
		"effect_measure":   res.EffectMeasure,
		"model":            res.Model,
		"hartung_knapp":    res.HartungKnapp,
		"confidence_level": fmt.Sprintf("%.0f%%", sess.Parameters.ConfidenceLevel*100),
		"ci_label":         fmt.Sprintf("%.0f%%", sess.Parameters.ConfidenceLevel*100),
		"record_count":     res.RecordCount,
		"estimate":         num(res.Effect.Estimate),
		"ci_lower":         num(res.Effect.CILower),
		"ci_upper":         num(res.Effect.CIUpper),
		"p_value":          num(res.Effect.PValue),
		"z_score":          num(res.Effect.ZScore),
	}

	if h := res.Heterogeneity; h != nil {
		data["heterogeneity"] = map[string]interface{}{
			"i_squared":      num(h.ISquared),
			"q_statistic":    num(h.QStatistic),
			"q_p_value":      num(h.QPValue),
			"tau_squared":    num(h.TauSquared),
			"interpretation": heterogeneityInterpretation(h.ISquared),
		}
	}
	if b := res.BiasTest; b != nil {
		interp := b.Interpretation
		if interp == "" {
			if b.PValue < 0.05 {
				interp = "The test suggests small-study effects may be present."
			} else {
				interp = "No significant small-study effects detected."
			}
		}
		data["bias_test"] = map[string]interface{}{
			"method":         b.Method,
			"statistic":      num(b.Statistic),
			"p_value":        num(b.PValue),
			"interpretation": interp,
		}
	}
	if len(res.Contributions) > 0 {
		rows := make([]map[string]interface{}, 0, len(res.Contributions))
		for _, c := range res.Contributions {
			rows = append(rows, map[string]interface{}{
				"record_id": c.RecordID,
				"effect":    num(c.Effect),
				"ci_lower":  num(c.CILower),
				"ci_upper":  num(c.CIUpper),
				"weight":    fmt.Sprintf("%.1f", c.Weight),
			})
		}
		data["has_contributions"] = true
		data["contributions"] = rows
	}
	if len(sess.Warnings) > 0 {
		data["has_warnings"] = true
		data["warnings"] = sess.Warnings
	}

	out, err := mustache.Render(reportTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("render report template: %w", err)
	}
	return []byte(out), nil
}

func num(v float64) string { return fmt.Sprintf("%.3f", v) }

func heterogeneityInterpretation(i2 float64) string {
	switch {
	case i2 < 25:
		return "Heterogeneity is low; the pooled estimate is consistent across studies."
	case i2 < 50:
		return "Heterogeneity is moderate; interpret the pooled estimate with some caution."
	case i2 < 75:
		return "Heterogeneity is substantial; a random-effects model is advisable."
	default:
		return "Heterogeneity is considerable; the pooled estimate may not be meaningful."
	}
}
