package report

import (
	"strings"
	"testing"
	"time"

	"github.com/metalyst-dev/metalyst/internal/meta"
)

func completedSession() *meta.Session {
	return &meta.Session{
		ID:   "sess-1",
		Name: "statin trials",
		Parameters: meta.Parameters{
			EffectMeasure:   meta.MeasureOR,
			Model:           meta.ModelAuto,
			ConfidenceLevel: 0.95,
		},
		Warnings:  []string{"row 3: single-arm zero events, continuity correction applied"},
		CreatedAt: time.Now().Add(-2 * time.Hour),
		Results: &meta.AnalysisResult{
			Effect:        meta.OverallEffect{Estimate: 0.82, CILower: 0.71, CIUpper: 0.95, PValue: 0.008, ZScore: -2.65},
			Heterogeneity: &meta.Heterogeneity{ISquared: 34.2, QStatistic: 9.1, TauSquared: 0.02, QPValue: 0.17},
			BiasTest:      &meta.BiasTest{Method: "Egger regression", Statistic: 1.2, PValue: 0.24},
			Contributions: []meta.Contribution{
				{RecordID: "s1", Effect: 0.75, CILower: 0.6, CIUpper: 0.94, Weight: 41.5},
				{RecordID: "s2", Effect: 0.9, CILower: 0.7, CIUpper: 1.16, Weight: 58.5},
			},
			EffectMeasure: meta.MeasureOR,
			Model:         meta.ModelRandom,
			HartungKnapp:  true,
			RecordCount:   2,
		},
	}
}

func TestRenderIncludesAllSections(t *testing.T) {
	body, err := Render(completedSession())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	md := string(body)
	for _, want := range []string{
		"# Meta-Analysis Report: statin trials",
		"OR = 0.820",
		"95% CI 0.710 to 0.950",
		"Hartung-Knapp adjustment",
		"## Heterogeneity",
		"I² = 34.200%",
		"## Publication Bias",
		"Egger regression",
		"## Study Contributions",
		"| s1 | 0.750 | 0.600 to 0.940 | 41.5% |",
		"## Warnings",
		"continuity correction",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("report missing %q\n---\n%s", want, md)
		}
	}
}

func TestRenderOmitsEmptySections(t *testing.T) {
	sess := completedSession()
	sess.Results.Heterogeneity = nil
	sess.Results.BiasTest = nil
	sess.Results.Contributions = nil
	sess.Warnings = nil

	body, err := Render(sess)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	md := string(body)
	for _, absent := range []string{"## Heterogeneity", "## Publication Bias", "## Study Contributions", "## Warnings"} {
		if strings.Contains(md, absent) {
			t.Fatalf("report must omit %q when data absent\n---\n%s", absent, md)
		}
	}
}

func TestRenderRequiresResults(t *testing.T) {
	if _, err := Render(&meta.Session{ID: "x"}); err == nil {
		t.Fatal("expected error for session without results")
	}
}

func TestHeterogeneityInterpretationBands(t *testing.T) {
	if got := heterogeneityInterpretation(10); !strings.Contains(got, "low") {
		t.Fatalf("10%%: %s", got)
	}
	if got := heterogeneityInterpretation(80); !strings.Contains(got, "considerable") {
		t.Fatalf("80%%: %s", got)
	}
}
