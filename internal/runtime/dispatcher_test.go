package runtime

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/metalyst-dev/metalyst/config"
	"github.com/metalyst-dev/metalyst/internal/meta"
)

func intPtr(v int) *int { return &v }

func binaryRecords(n int) []meta.StudyRecord {
	recs := make([]meta.StudyRecord, 0, n)
	for i := 0; i < n; i++ {
		recs = append(recs, meta.StudyRecord{
			ID: string(rune('a' + i)), Name: "study", NTreatment: 100, NControl: 100,
			EventsTreatment: intPtr(10 + i), EventsControl: intPtr(12),
		})
	}
	return recs
}

// unavailableConfig points every probe at binaries that cannot exist.
func unavailableConfig(t *testing.T) config.RuntimeConfig {
	t.Helper()
	return config.RuntimeConfig{
		DockerBinary:  filepath.Join(t.TempDir(), "no-docker"),
		Image:         "metalyst/r-runtime:test",
		RscriptBinary: filepath.Join(t.TempDir(), "no-rscript"),
		ProbeTimeout:  500 * time.Millisecond,
		ExecTimeout:   time.Second,
		MaxConcurrent: 2,
	}
}

func sessionDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"input", "processing", "output", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return dir
}

func TestResolveModelAutoThreshold(t *testing.T) {
	if m, hk := ResolveModel(meta.ModelAuto, 4); m != meta.ModelFixed || hk {
		t.Fatalf("4 records: got %s/%v, want fixed/false", m, hk)
	}
	if m, hk := ResolveModel(meta.ModelAuto, 5); m != meta.ModelRandom || !hk {
		t.Fatalf("5 records: got %s/%v, want random/true", m, hk)
	}
	if m, _ := ResolveModel(meta.ModelFixed, 50); m != meta.ModelFixed {
		t.Fatalf("explicit fixed must pass through, got %s", m)
	}
	if m, hk := ResolveModel(meta.ModelRandom, 2); m != meta.ModelRandom || !hk {
		t.Fatalf("explicit random must pass through with HK, got %s/%v", m, hk)
	}
}

func TestPrepareBatchZeroEventPolicy(t *testing.T) {
	records := []meta.StudyRecord{
		{ID: "s1", Name: "both-zero", NTreatment: 50, NControl: 50, EventsTreatment: intPtr(0), EventsControl: intPtr(0)},
		{ID: "s2", Name: "one-zero", NTreatment: 50, NControl: 50, EventsTreatment: intPtr(0), EventsControl: intPtr(4)},
		{ID: "s3", Name: "normal", NTreatment: 50, NControl: 50, EventsTreatment: intPtr(5), EventsControl: intPtr(4)},
	}
	kept, ccIDs, warnings := PrepareBatch(records, meta.MeasureOR)
	if len(kept) != 2 {
		t.Fatalf("expected double-zero row excluded, kept %d", len(kept))
	}
	if len(ccIDs) != 1 || ccIDs[0] != "s2" {
		t.Fatalf("expected s2 flagged for continuity correction, got %v", ccIDs)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
}

func TestPrepareBatchContinuousPassThrough(t *testing.T) {
	mean, sd := 5.0, 1.0
	records := []meta.StudyRecord{{
		ID: "c1", NTreatment: 30, NControl: 30,
		MeanTreatment: &mean, SDTreatment: &sd, MeanControl: &mean, SDControl: &sd,
	}}
	kept, ccIDs, warnings := PrepareBatch(records, meta.MeasureMD)
	if len(kept) != 1 || ccIDs != nil || warnings != nil {
		t.Fatalf("continuous batch must pass through untouched")
	}
}

func TestSelectorReportsNoneWhenNothingInstalled(t *testing.T) {
	sel := NewSelector(unavailableConfig(t))
	if got := sel.Select(context.Background()); got != BackendNone {
		t.Fatalf("expected BackendNone, got %s", got)
	}
}

func TestRunWithoutBackendIsDistinguishableUnavailable(t *testing.T) {
	d, err := NewDispatcher(unavailableConfig(t))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	dir := sessionDir(t)
	params := meta.Parameters{EffectMeasure: meta.MeasureOR, Model: meta.ModelAuto, ConfidenceLevel: 0.95}

	_, err = d.Run(context.Background(), OpCompute, dir, binaryRecords(3), params)
	var re meta.RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if re.Reason != meta.ReasonUnavailable {
		t.Fatalf("expected reason %s, got %s", meta.ReasonUnavailable, re.Reason)
	}
	// Input and script must still have been materialized for diagnostics.
	if _, err := os.Stat(filepath.Join(dir, inputFile)); err != nil {
		t.Fatalf("input not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, scriptFile)); err != nil {
		t.Fatalf("script not written: %v", err)
	}
}

func TestRunDeclinesInsufficientRecords(t *testing.T) {
	d, err := NewDispatcher(unavailableConfig(t))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	params := meta.Parameters{EffectMeasure: meta.MeasureOR, Model: meta.ModelAuto, ConfidenceLevel: 0.95}
	_, err = d.Run(context.Background(), OpCompute, sessionDir(t), binaryRecords(1), params)
	var re meta.RuntimeError
	if !errors.As(err, &re) || re.Reason != meta.ReasonDeclined {
		t.Fatalf("expected declined RuntimeError, got %v", err)
	}
}

func TestRenderedScriptUsesRelativePathsOnly(t *testing.T) {
	params := meta.Parameters{EffectMeasure: meta.MeasureOR, BiasAssessment: true}
	for _, op := range []Operation{OpCompute, OpForestPlot, OpFunnelPlot} {
		script, err := renderScript(op, params, plotArtifact(op))
		if err != nil {
			t.Fatalf("renderScript(%s): %v", op, err)
		}
		if strings.Contains(script, "{{") {
			t.Fatalf("%s script has unrendered placeholders", op)
		}
		for _, line := range strings.Split(script, "\n") {
			if strings.Contains(line, `"/`) {
				t.Fatalf("%s script references an absolute path: %s", op, line)
			}
		}
	}
	script, _ := renderScript(OpCompute, params, "")
	if !strings.Contains(script, "metabias") {
		t.Fatalf("bias assessment block missing when requested")
	}
	script, _ = renderScript(OpCompute, meta.Parameters{EffectMeasure: meta.MeasureOR}, "")
	if strings.Contains(script, "metabias") {
		t.Fatalf("bias assessment block present when not requested")
	}
}

func TestParseResultsExponentiatesRatioMeasures(t *testing.T) {
	raw := []byte(`{
		"overall_effect": {"estimate": 0.0, "ci_lower": -0.5, "ci_upper": 0.5, "p_value": 0.9, "z_score": 0.1},
		"heterogeneity": {"i_squared": 12.5, "q_statistic": 2.3, "tau_squared": 0.01, "q_p_value": 0.5},
		"model": "fixed",
		"contributions": [{"record_id": "s1", "effect": 0.0, "ci_lower": -1.0, "ci_upper": 1.0, "weight": 100}]
	}`)
	got, err := parseResults(raw, meta.MeasureOR)
	if err != nil {
		t.Fatalf("parseResults: %v", err)
	}
	if got.Effect.Estimate != 1.0 {
		t.Fatalf("log 0 must exponentiate to 1, got %v", got.Effect.Estimate)
	}
	if math.Abs(got.Effect.CILower-math.Exp(-0.5)) > 1e-12 || math.Abs(got.Effect.CIUpper-math.Exp(0.5)) > 1e-12 {
		t.Fatalf("CI not exponentiated: %v", got.Effect)
	}
	if got.Contributions[0].Effect != 1.0 {
		t.Fatalf("contribution not exponentiated: %v", got.Contributions[0])
	}
	if got.Heterogeneity == nil || got.Heterogeneity.ISquared != 12.5 {
		t.Fatalf("heterogeneity lost in parse: %+v", got.Heterogeneity)
	}
}

func TestParseResultsKeepsNativeScaleForContinuous(t *testing.T) {
	raw := []byte(`{"overall_effect": {"estimate": 1.4, "ci_lower": 0.8, "ci_upper": 2.0, "p_value": 0.01, "z_score": 2.5}}`)
	got, err := parseResults(raw, meta.MeasureMD)
	if err != nil {
		t.Fatalf("parseResults: %v", err)
	}
	if got.Effect.Estimate != 1.4 || got.Effect.CILower != 0.8 {
		t.Fatalf("continuous result must not be transformed: %+v", got.Effect)
	}
}

func TestContainerRunArgsAreNamedForCleanup(t *testing.T) {
	name := containerName()
	if name == containerName() {
		t.Fatal("container names must be unique per dispatch")
	}
	args := containerRunArgs("/tmp/sess", name, "metalyst/r-runtime:test", &Policy{CPU: 2, Memory: "1g"})

	want := []string{
		"run", "--rm", "--name", name, "-v", "/tmp/sess:/work", "-w", "/work",
		"--cpus=2.00", "--memory=1g",
		"metalyst/r-runtime:test", "Rscript", scriptFile,
	}
	if len(args) != len(want) {
		t.Fatalf("unexpected args: %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("arg %d: got %q, want %q (full: %v)", i, args[i], want[i], args)
		}
	}
}

func TestContainerRunArgsWithoutPolicy(t *testing.T) {
	args := containerRunArgs("/tmp/sess", "job-1", "img", nil)
	for i, a := range args {
		if a == "--name" {
			if args[i+1] != "job-1" {
				t.Fatalf("container not named: %v", args)
			}
			return
		}
	}
	t.Fatalf("--name missing from args: %v", args)
}

func TestPolicyClampTimeout(t *testing.T) {
	p := &Policy{Timeout: "30s"}
	if got := p.ClampTimeout(5 * time.Minute); got != 30*time.Second {
		t.Fatalf("expected clamp to 30s, got %s", got)
	}
	if got := p.ClampTimeout(10 * time.Second); got != 10*time.Second {
		t.Fatalf("request below cap must pass through, got %s", got)
	}
	var nilPolicy *Policy
	if got := nilPolicy.ClampTimeout(time.Minute); got != time.Minute {
		t.Fatalf("nil policy must be a no-op, got %s", got)
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := "execution:\n  image: metalyst/r-runtime:pinned\n  cpu: 2\n  memory: 1g\n  timeout: 2m\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.Image != "metalyst/r-runtime:pinned" || p.CPU != 2 || p.Memory != "1g" {
		t.Fatalf("unexpected policy: %+v", p)
	}
	args := p.ContainerArgs()
	if len(args) != 2 || args[0] != "--cpus=2.00" || args[1] != "--memory=1g" {
		t.Fatalf("unexpected container args: %v", args)
	}
}
