package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cbroglie/mustache"
	"github.com/google/uuid"

	"github.com/metalyst-dev/metalyst/config"
	"github.com/metalyst-dev/metalyst/internal/meta"
)

// Operation names a dispatchable script.
type Operation string

const (
	OpCompute    Operation = "compute"
	OpForestPlot Operation = "forest_plot"
	OpFunnelPlot Operation = "funnel_plot"
)

// Well-known files of the runtime contract, relative to the session root.
const (
	inputFile   = "processing/input.json"
	scriptFile  = "processing/script.R"
	resultsFile = "output/results.json"
)

// autoModelThreshold: below this many records "auto" resolves to a
// fixed-effect model, at or above it to random-effects.
const autoModelThreshold = 5

// RunResult is the parsed outcome of one successful dispatch.
type RunResult struct {
	Result    *meta.AnalysisResult // set for compute
	Artifacts []string             // generated file names under output/, for plots
	Warnings  []string
	Stdout    string
	Stderr    string
}

// Dispatcher materializes operation scripts and drives them through the
// selected backend inside a session's directory.
type Dispatcher struct {
	cfg    config.RuntimeConfig
	sel    *Selector
	policy *Policy
	sem    chan struct{}
	logger *log.Logger
}

// NewDispatcher builds a Dispatcher, loading the optional execution policy.
func NewDispatcher(cfg config.RuntimeConfig) (*Dispatcher, error) {
	var pol *Policy
	if cfg.PolicyFile != "" {
		loaded, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		pol = loaded
		if pol.Image != "" {
			cfg.Image = pol.Image
		}
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		cfg:    cfg,
		sel:    NewSelector(cfg),
		policy: pol,
		sem:    make(chan struct{}, maxConcurrent),
		logger: log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}, nil
}

// ResolveModel applies the auto-model policy before any dispatch: fewer
// than autoModelThreshold records resolve to a fixed-effect model, more to
// random-effects with the Hartung-Knapp adjustment. Explicit models pass
// through (Hartung-Knapp only for random).
func ResolveModel(model string, recordCount int) (resolved string, hartungKnapp bool) {
	switch model {
	case meta.ModelFixed:
		return meta.ModelFixed, false
	case meta.ModelRandom:
		return meta.ModelRandom, true
	default:
		if recordCount < autoModelThreshold {
			return meta.ModelFixed, false
		}
		return meta.ModelRandom, true
	}
}

// PrepareBatch applies the zero-event policy for binary measures: records
// with zero events in both arms are excluded with a warning, records with
// zero events in exactly one arm are kept and flagged for continuity
// correction by the runtime. Continuous measures pass through untouched.
func PrepareBatch(records []meta.StudyRecord, measure string) (kept []meta.StudyRecord, continuityIDs []string, warnings []string) {
	if !meta.IsBinaryMeasure(measure) {
		return records, nil, nil
	}
	for _, rec := range records {
		if rec.EventsTreatment == nil || rec.EventsControl == nil {
			kept = append(kept, rec)
			continue
		}
		et, ec := *rec.EventsTreatment, *rec.EventsControl
		switch {
		case et == 0 && ec == 0:
			warnings = append(warnings, fmt.Sprintf("record %s (%s) excluded: zero events in both arms", rec.ID, rec.Name))
		case et == 0 || ec == 0:
			continuityIDs = append(continuityIDs, rec.ID)
			warnings = append(warnings, fmt.Sprintf("record %s (%s) flagged for continuity correction: zero events in one arm", rec.ID, rec.Name))
			kept = append(kept, rec)
		default:
			kept = append(kept, rec)
		}
	}
	return kept, continuityIDs, warnings
}

// scriptInput is the JSON contract read by the runtime scripts.
type scriptInput struct {
	Operation               string             `json:"operation"`
	EffectMeasure           string             `json:"effect_measure"`
	Binary                  bool               `json:"binary"`
	Model                   string             `json:"model"`
	HartungKnapp            bool               `json:"hartung_knapp"`
	ConfidenceLevel         float64            `json:"confidence_level"`
	ContinuityCorrectionIDs []string           `json:"continuity_correction_ids,omitempty"`
	Records                 []meta.StudyRecord `json:"records"`
}

// Run executes one operation for the session rooted at dir. It blocks for
// the duration of the external job; concurrency across sessions is bounded
// only by the global job semaphore.
func (d *Dispatcher) Run(ctx context.Context, op Operation, dir string, records []meta.StudyRecord, params meta.Parameters) (*RunResult, error) {
	minRecords := 1
	if op == OpCompute {
		minRecords = 2
	}
	kept, continuityIDs, warnings := PrepareBatch(records, params.EffectMeasure)
	if len(kept) < minRecords {
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonDeclined,
			Message: fmt.Sprintf("insufficient records for %s: %d usable of %d required", op, len(kept), minRecords),
		}
	}

	model, hartungKnapp := ResolveModel(params.Model, len(kept))
	input := scriptInput{
		Operation:               string(op),
		EffectMeasure:           params.EffectMeasure,
		Binary:                  meta.IsBinaryMeasure(params.EffectMeasure),
		Model:                   model,
		HartungKnapp:            hartungKnapp,
		ConfidenceLevel:         params.ConfidenceLevel,
		ContinuityCorrectionIDs: continuityIDs,
		Records:                 kept,
	}
	if err := d.writeInput(dir, input); err != nil {
		return nil, err
	}

	plotName := plotArtifact(op)
	script, err := renderScript(op, params, plotName)
	if err != nil {
		return nil, fmt.Errorf("render %s script: %w", op, err)
	}
	if err := os.WriteFile(filepath.Join(dir, scriptFile), []byte(script), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	backend := d.sel.Select(ctx)
	if backend == BackendNone {
		recordDispatch(ctx, op, backend, "unavailable", 0)
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonUnavailable,
			Message: fmt.Sprintf("no statistics runtime available: image %q not present and %q not on PATH", d.cfg.Image, d.cfg.RscriptBinary),
		}
	}

	stdout, stderr, elapsed, execErr := d.execute(ctx, backend, dir)
	d.writeLog(dir, op, stdout, stderr)

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) {
			recordDispatch(ctx, op, backend, "timeout", elapsed)
			return nil, meta.RuntimeError{
				Reason:  meta.ReasonTimeout,
				Message: fmt.Sprintf("%s exceeded %s on %s backend", op, d.execTimeout(), backend),
				Stderr:  stderr,
			}
		}
		recordDispatch(ctx, op, backend, "failed", elapsed)
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonFailed,
			Message: fmt.Sprintf("%s failed on %s backend: %v", op, backend, execErr),
			Stderr:  stderr,
		}
	}
	recordDispatch(ctx, op, backend, "ok", elapsed)
	d.logger.Printf("%s finished on %s backend in %s", op, backend, elapsed.Round(time.Millisecond))

	res := &RunResult{Warnings: warnings, Stdout: stdout, Stderr: stderr}
	if op == OpCompute {
		parsed, err := d.collectResults(dir, params.EffectMeasure, model, hartungKnapp, len(kept), stdout)
		if err != nil {
			return nil, err
		}
		if parsed.RawOutput != "" {
			res.Warnings = append(res.Warnings, "runtime produced no results file; raw output attached")
		}
		res.Result = parsed
		return res, nil
	}

	if _, err := os.Stat(filepath.Join(dir, "output", plotName)); err != nil {
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonFailed,
			Message: fmt.Sprintf("%s exited cleanly but produced no %s", op, plotName),
			Stderr:  stderr,
		}
	}
	res.Artifacts = []string{plotName}
	return res, nil
}

func (d *Dispatcher) writeInput(dir string, input scriptInput) error {
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, inputFile), data, 0o644); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

func plotArtifact(op Operation) string {
	switch op {
	case OpForestPlot:
		return "forest_plot.png"
	case OpFunnelPlot:
		return "funnel_plot.png"
	default:
		return ""
	}
}

func renderScript(op Operation, params meta.Parameters, plotName string) (string, error) {
	data := map[string]interface{}{
		"input_path":      inputFile,
		"results_path":    resultsFile,
		"bias_assessment": params.BiasAssessment,
	}
	switch op {
	case OpCompute:
		return mustache.Render(computeScriptTemplate, data)
	case OpForestPlot:
		data["plot_path"] = "output/" + plotName
		return mustache.Render(forestScriptTemplate, data)
	case OpFunnelPlot:
		data["plot_path"] = "output/" + plotName
		return mustache.Render(funnelScriptTemplate, data)
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
}

// execute runs the rendered script via the chosen backend with the session
// directory as the sandbox root, capturing stdout/stderr in full regardless
// of exit status.
func (d *Dispatcher) execute(ctx context.Context, backend Backend, dir string) (stdout, stderr string, elapsed time.Duration, err error) {
	execCtx, cancel := context.WithTimeout(ctx, d.execTimeout())
	defer cancel()

	var cmd *exec.Cmd
	var container string
	switch backend {
	case BackendContainer:
		container = containerName()
		cmd = exec.CommandContext(execCtx, d.cfg.DockerBinary, containerRunArgs(dir, container, d.cfg.Image, d.policy)...)
	default:
		cmd = exec.CommandContext(execCtx, d.cfg.RscriptBinary, scriptFile)
		cmd.Dir = dir
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	start := time.Now()
	runErr := cmd.Run()
	elapsed = time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		// Killing the docker client only detaches it; the container keeps
		// running and keeps writing into the session directory unless it is
		// stopped explicitly.
		if container != "" {
			d.killContainer(container)
		}
		return outBuf.String(), errBuf.String(), elapsed, context.DeadlineExceeded
	}
	return outBuf.String(), errBuf.String(), elapsed, runErr
}

func containerName() string {
	return "metalyst-job-" + uuid.NewString()
}

// containerRunArgs assembles the docker run invocation: named for later
// cleanup, auto-removed, with the session directory bind-mounted as the
// working directory.
func containerRunArgs(dir, name, image string, policy *Policy) []string {
	args := []string{"run", "--rm", "--name", name, "-v", dir + ":/work", "-w", "/work"}
	args = append(args, policy.ContainerArgs()...)
	return append(args, image, "Rscript", scriptFile)
}

// killContainer forcibly stops a job whose client was killed on deadline.
func (d *Dispatcher) killContainer(name string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(killCtx, d.cfg.DockerBinary, "kill", name).Run(); err != nil {
		d.logger.Printf("kill container %s: %v", name, err)
	}
}

// writeLog preserves the full captured runtime output in the session's
// logs area, success or failure alike.
func (d *Dispatcher) writeLog(dir string, op Operation, stdout, stderr string) {
	name := fmt.Sprintf("%s_%s.log", op, time.Now().UTC().Format("20060102T150405"))
	content := fmt.Sprintf("# operation: %s\n\n## stdout\n%s\n## stderr\n%s\n", op, stdout, stderr)
	if err := os.WriteFile(filepath.Join(dir, "logs", name), []byte(content), 0o644); err != nil {
		d.logger.Printf("write log %s: %v", name, err)
	}
}

func (d *Dispatcher) execTimeout() time.Duration {
	timeout := d.cfg.ExecTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return d.policy.ClampTimeout(timeout)
}

// collectResults parses the well-known results file; when the runtime
// exited cleanly without writing one, the raw captured output is returned
// instead of a silent empty success.
func (d *Dispatcher) collectResults(dir, measure, model string, hartungKnapp bool, recordCount int, stdout string) (*meta.AnalysisResult, error) {
	data, err := os.ReadFile(filepath.Join(dir, resultsFile))
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Printf("no results file in %s, falling back to raw output", dir)
			return &meta.AnalysisResult{
				EffectMeasure: measure,
				Model:         model,
				HartungKnapp:  hartungKnapp,
				RecordCount:   recordCount,
				RawOutput:     stdout,
				ComputedAt:    time.Now().UTC(),
			}, nil
		}
		return nil, fmt.Errorf("read results: %w", err)
	}
	result, err := parseResults(data, measure)
	if err != nil {
		return nil, meta.RuntimeError{
			Reason:  meta.ReasonFailed,
			Message: fmt.Sprintf("results file is malformed: %v", err),
		}
	}
	result.EffectMeasure = measure
	result.Model = model
	result.HartungKnapp = hartungKnapp
	result.RecordCount = recordCount
	result.ComputedAt = time.Now().UTC()
	return result, nil
}

// parseResults decodes a results file. Ratio-type measures (OR/RR/HR) are
// computed on a log scale by the runtime and exponentiated back here;
// continuous measures stay on their native scale.
func parseResults(data []byte, measure string) (*meta.AnalysisResult, error) {
	var result meta.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	if meta.IsRatioMeasure(measure) {
		result.Effect.Estimate = math.Exp(result.Effect.Estimate)
		result.Effect.CILower = math.Exp(result.Effect.CILower)
		result.Effect.CIUpper = math.Exp(result.Effect.CIUpper)
		for i := range result.Contributions {
			result.Contributions[i].Effect = math.Exp(result.Contributions[i].Effect)
			result.Contributions[i].CILower = math.Exp(result.Contributions[i].CILower)
			result.Contributions[i].CIUpper = math.Exp(result.Contributions[i].CIUpper)
		}
	}
	return &result, nil
}
