package meta

import "time"

// Session status values.
const (
	StatusActive    = "active"
	StatusAnalysis  = "analysis"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// Workflow stages, in order. A session only moves forward through these.
const (
	StageInitialization = "initialization"
	StageDataUpload     = "data_upload"
	StageValidation     = "validation"
	StageAnalysis       = "analysis"
	StageReporting      = "reporting"
)

var stageOrder = map[string]int{
	StageInitialization: 0,
	StageDataUpload:     1,
	StageValidation:     2,
	StageAnalysis:       3,
	StageReporting:      4,
}

// StageRank returns the position of a stage in the workflow, or -1 for an
// unknown stage.
func StageRank(stage string) int {
	if r, ok := stageOrder[stage]; ok {
		return r
	}
	return -1
}

// Effect measures supported by the engine.
const (
	MeasureOR  = "OR"
	MeasureRR  = "RR"
	MeasureMD  = "MD"
	MeasureSMD = "SMD"
	MeasureHR  = "HR"
)

// Pooling models.
const (
	ModelFixed  = "fixed"
	ModelRandom = "random"
	ModelAuto   = "auto"
)

// IsRatioMeasure reports whether the measure is pooled on a log scale and
// must be exponentiated before reporting.
func IsRatioMeasure(measure string) bool {
	switch measure {
	case MeasureOR, MeasureRR, MeasureHR:
		return true
	}
	return false
}

// IsBinaryMeasure reports whether the measure expects binary outcome rows
// (counts and events) rather than continuous summaries.
func IsBinaryMeasure(measure string) bool {
	return IsRatioMeasure(measure)
}

// KnownMeasure reports whether measure is one of the supported effect measures.
func KnownMeasure(measure string) bool {
	switch measure {
	case MeasureOR, MeasureRR, MeasureMD, MeasureSMD, MeasureHR:
		return true
	}
	return false
}

// Parameters captures the analysis configuration chosen at session creation.
type Parameters struct {
	EffectMeasure       string  `json:"effect_measure"`
	Model               string  `json:"model"`
	ConfidenceLevel     float64 `json:"confidence_level"`
	Heterogeneity       bool    `json:"heterogeneity"`
	BiasAssessment      bool    `json:"bias_assessment"`
	SensitivityAnalysis bool    `json:"sensitivity_analysis"`
}

// Normalize fills defaults for unset parameter values.
func (p Parameters) Normalize() Parameters {
	if p.Model == "" {
		p.Model = ModelAuto
	}
	if p.ConfidenceLevel <= 0 || p.ConfidenceLevel >= 1 {
		p.ConfidenceLevel = 0.95
	}
	return p
}

// Validate checks the parameter combination is something the engine can run.
func (p Parameters) Validate() error {
	if !KnownMeasure(p.EffectMeasure) {
		return ValidationError{Message: "unknown effect measure: " + p.EffectMeasure}
	}
	switch p.Model {
	case ModelFixed, ModelRandom, ModelAuto:
	default:
		return ValidationError{Message: "unknown model: " + p.Model}
	}
	return nil
}

// StudyRecord is one validated row of evidence. Binary outcomes carry the
// events fields, continuous outcomes the mean/sd fields; the validator
// guarantees exactly one family is populated.
type StudyRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Year int    `json:"year,omitempty"`

	NTreatment int `json:"n_treatment"`
	NControl   int `json:"n_control"`

	EventsTreatment *int `json:"events_treatment,omitempty"`
	EventsControl   *int `json:"events_control,omitempty"`

	MeanTreatment *float64 `json:"mean_treatment,omitempty"`
	SDTreatment   *float64 `json:"sd_treatment,omitempty"`
	MeanControl   *float64 `json:"mean_control,omitempty"`
	SDControl     *float64 `json:"sd_control,omitempty"`

	EffectSize   *float64 `json:"effect_size,omitempty"`
	CILower      *float64 `json:"ci_lower,omitempty"`
	CIUpper      *float64 `json:"ci_upper,omitempty"`
	Weight       *float64 `json:"weight,omitempty"`
	QualityScore *float64 `json:"quality_score,omitempty"`
}

// Clone returns a record with its own copies of the optional fields.
func (r StudyRecord) Clone() StudyRecord {
	out := r
	out.EventsTreatment = copyIntPtr(r.EventsTreatment)
	out.EventsControl = copyIntPtr(r.EventsControl)
	out.MeanTreatment = copyFloatPtr(r.MeanTreatment)
	out.SDTreatment = copyFloatPtr(r.SDTreatment)
	out.MeanControl = copyFloatPtr(r.MeanControl)
	out.SDControl = copyFloatPtr(r.SDControl)
	out.EffectSize = copyFloatPtr(r.EffectSize)
	out.CILower = copyFloatPtr(r.CILower)
	out.CIUpper = copyFloatPtr(r.CIUpper)
	out.Weight = copyFloatPtr(r.Weight)
	out.QualityScore = copyFloatPtr(r.QualityScore)
	return out
}

// FileSet is the per-session append-only audit trail of files.
type FileSet struct {
	Uploaded  []string `json:"uploaded"`
	Generated []string `json:"generated"`
}

// OverallEffect is the pooled estimate of a computation.
type OverallEffect struct {
	Estimate float64 `json:"estimate"`
	CILower  float64 `json:"ci_lower"`
	CIUpper  float64 `json:"ci_upper"`
	PValue   float64 `json:"p_value"`
	ZScore   float64 `json:"z_score"`
}

// Heterogeneity holds between-study variability statistics.
type Heterogeneity struct {
	ISquared   float64 `json:"i_squared"`
	QStatistic float64 `json:"q_statistic"`
	TauSquared float64 `json:"tau_squared"`
	QPValue    float64 `json:"q_p_value"`
}

// Contribution is one record's share of the pooled result.
type Contribution struct {
	RecordID string  `json:"record_id"`
	Effect   float64 `json:"effect"`
	CILower  float64 `json:"ci_lower"`
	CIUpper  float64 `json:"ci_upper"`
	Weight   float64 `json:"weight"`
}

// BiasTest reports a publication-bias diagnostic.
type BiasTest struct {
	Method         string  `json:"method"`
	Statistic      float64 `json:"statistic"`
	PValue         float64 `json:"p_value"`
	Interpretation string  `json:"interpretation,omitempty"`
}

// AnalysisResult is the output of one successful computation. It is owned
// exclusively by the session that produced it.
type AnalysisResult struct {
	Effect        OverallEffect  `json:"overall_effect"`
	Heterogeneity *Heterogeneity `json:"heterogeneity,omitempty"`
	BiasTest      *BiasTest      `json:"bias_test,omitempty"`
	Contributions []Contribution `json:"contributions,omitempty"`

	EffectMeasure string `json:"effect_measure"`
	Model         string `json:"model"`
	HartungKnapp  bool   `json:"hartung_knapp,omitempty"`
	RecordCount   int    `json:"record_count"`

	// RawOutput carries the runtime's captured output when it exited
	// cleanly but produced no results file.
	RawOutput string `json:"raw_output,omitempty"`

	ComputedAt time.Time `json:"computed_at"`
}

// Clone returns a deep copy of the result.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.Heterogeneity != nil {
		h := *r.Heterogeneity
		out.Heterogeneity = &h
	}
	if r.BiasTest != nil {
		b := *r.BiasTest
		out.BiasTest = &b
	}
	if r.Contributions != nil {
		out.Contributions = make([]Contribution, len(r.Contributions))
		copy(out.Contributions, r.Contributions)
	}
	return &out
}

// LastError records the most recent failure observed on a session so the
// metadata file alone is enough to reconstruct what happened.
type LastError struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Session is the root aggregate: an isolated, persisted unit of workflow
// state spanning upload, validation, computation and reporting.
type Session struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Stage      string     `json:"stage"`
	Parameters Parameters `json:"parameters"`

	Records  []StudyRecord   `json:"records"`
	Files    FileSet         `json:"files"`
	Results  *AnalysisResult `json:"results,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`

	LastError *LastError `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy sharing no memory with the original. Sessions
// read from the store are clones, so a reader never observes the writes of
// a caller holding its own copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Records != nil {
		out.Records = make([]StudyRecord, len(s.Records))
		for i := range s.Records {
			out.Records[i] = s.Records[i].Clone()
		}
	}
	out.Files.Uploaded = cloneStrings(s.Files.Uploaded)
	out.Files.Generated = cloneStrings(s.Files.Generated)
	out.Warnings = cloneStrings(s.Warnings)
	out.Results = s.Results.Clone()
	if s.LastError != nil {
		le := *s.LastError
		out.LastError = &le
	}
	return &out
}

// RecordFailure stamps the session with a failure for the audit trail.
// The caller decides the status transition and persists the session.
func (s *Session) RecordFailure(kind, message string) {
	s.LastError = &LastError{Kind: kind, Message: message, At: time.Now().UTC()}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
