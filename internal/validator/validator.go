package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/metalyst-dev/metalyst/internal/meta"
	"github.com/metalyst-dev/metalyst/internal/tabular"
)

// Level selects how deep validation goes.
type Level string

const (
	LevelBasic         Level = "basic"
	LevelComprehensive Level = "comprehensive"
)

// maxSurfacedRowErrors bounds how many row problems a batch rejection carries.
const maxSurfacedRowErrors = 5

// Result is a successful batch validation: the valid subset plus any
// plausibility warnings accumulated for the batch.
type Result struct {
	Records   []meta.StudyRecord
	Warnings  []string
	RowErrors []meta.RowError // problems of the rejected minority, for diagnostics
}

var binaryRequired = []string{"n_treatment", "n_control", "events_treatment", "events_control"}
var continuousRequired = []string{"n_treatment", "n_control", "mean_treatment", "sd_treatment", "mean_control", "sd_control"}

// ValidateBatch runs the four-stage pipeline over raw rows for the given
// effect measure. It is a pure transformation: either a Result or a
// meta.ValidationError when more than half the rows fail the structural or
// logical checks.
func ValidateBatch(rows []tabular.Row, measure string, level Level) (*Result, error) {
	if !meta.KnownMeasure(measure) {
		return nil, meta.ValidationError{Message: "unknown effect measure: " + measure}
	}
	if level == "" {
		level = LevelBasic
	}

	res := &Result{}
	for i, raw := range rows {
		row := NormalizeRow(raw)
		rec, rowErr := buildRecord(i+1, row, measure)
		if rowErr != nil {
			res.RowErrors = append(res.RowErrors, *rowErr)
			continue
		}
		if level == LevelComprehensive {
			res.Warnings = append(res.Warnings, plausibilityWarnings(i+1, rec, measure)...)
		}
		res.Records = append(res.Records, *rec)
	}

	if len(res.RowErrors)*2 > len(rows) {
		surfaced := res.RowErrors
		if len(surfaced) > maxSurfacedRowErrors {
			surfaced = surfaced[:maxSurfacedRowErrors]
		}
		return nil, meta.ValidationError{
			Message: fmt.Sprintf("%d of %d rows failed validation", len(res.RowErrors), len(rows)),
			Rows:    surfaced,
		}
	}
	return res, nil
}

// buildRecord applies the structural (stage 1) and logical-consistency
// (stage 2) checks to one normalized row.
func buildRecord(rowNum int, row tabular.Row, measure string) (*meta.StudyRecord, *meta.RowError) {
	rec := &meta.StudyRecord{}

	rec.Name = stringField(row, "name")
	rec.ID = stringField(row, "id")
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("study_%d", rowNum)
	}
	if rec.Name == "" {
		rec.Name = rec.ID
	}
	if y, ok, err := intField(row, "year"); err == nil && ok {
		rec.Year = y
	}

	required := continuousRequired
	if meta.IsBinaryMeasure(measure) {
		required = binaryRequired
	}
	values := make(map[string]float64, len(required))
	for _, field := range required {
		v, ok, err := floatField(row, field)
		if !ok {
			return nil, &meta.RowError{Row: rowNum, Field: field, Message: "required field missing"}
		}
		if err != nil {
			return nil, &meta.RowError{Row: rowNum, Field: field, Message: "not a number"}
		}
		values[field] = v
	}

	nt, nc := values["n_treatment"], values["n_control"]
	if nt != math.Trunc(nt) || nc != math.Trunc(nc) {
		return nil, &meta.RowError{Row: rowNum, Field: "n_treatment", Message: "group sizes must be integer counts"}
	}
	if nt <= 0 || nc <= 0 {
		return nil, &meta.RowError{Row: rowNum, Field: "n_treatment", Message: "group sizes must be positive"}
	}
	rec.NTreatment = int(nt)
	rec.NControl = int(nc)

	if meta.IsBinaryMeasure(measure) {
		et, ec := values["events_treatment"], values["events_control"]
		if et != math.Trunc(et) || ec != math.Trunc(ec) {
			return nil, &meta.RowError{Row: rowNum, Field: "events_treatment", Message: "event counts must be integer counts"}
		}
		if et < 0 || ec < 0 {
			return nil, &meta.RowError{Row: rowNum, Field: "events_treatment", Message: "event counts cannot be negative"}
		}
		if et > nt {
			return nil, &meta.RowError{Row: rowNum, Field: "events_treatment", Message: "events exceed group size"}
		}
		if ec > nc {
			return nil, &meta.RowError{Row: rowNum, Field: "events_control", Message: "events exceed group size"}
		}
		eti, eci := int(et), int(ec)
		rec.EventsTreatment = &eti
		rec.EventsControl = &eci
	} else {
		sdT, sdC := values["sd_treatment"], values["sd_control"]
		if sdT <= 0 {
			return nil, &meta.RowError{Row: rowNum, Field: "sd_treatment", Message: "standard deviation must be positive"}
		}
		if sdC <= 0 {
			return nil, &meta.RowError{Row: rowNum, Field: "sd_control", Message: "standard deviation must be positive"}
		}
		mt, mc := values["mean_treatment"], values["mean_control"]
		rec.MeanTreatment = &mt
		rec.SDTreatment = &sdT
		rec.MeanControl = &mc
		rec.SDControl = &sdC
	}

	for field, dst := range map[string]**float64{
		"effect_size":   &rec.EffectSize,
		"ci_lower":      &rec.CILower,
		"ci_upper":      &rec.CIUpper,
		"weight":        &rec.Weight,
		"quality_score": &rec.QualityScore,
	} {
		v, ok, err := floatField(row, field)
		if err != nil {
			return nil, &meta.RowError{Row: rowNum, Field: field, Message: "not a number"}
		}
		if ok {
			val := v
			*dst = &val
		}
	}
	if rec.CILower != nil && rec.CIUpper != nil && *rec.CILower >= *rec.CIUpper {
		return nil, &meta.RowError{Row: rowNum, Field: "ci_lower", Message: "ci_lower must be below ci_upper"}
	}

	return rec, nil
}

// plausibilityWarnings is stage 3: flags, never rejects.
func plausibilityWarnings(rowNum int, rec *meta.StudyRecord, measure string) []string {
	var warns []string
	note := func(format string, args ...interface{}) {
		warns = append(warns, fmt.Sprintf("row %d (%s): ", rowNum, rec.Name)+fmt.Sprintf(format, args...))
	}

	if rec.NTreatment < 10 || rec.NControl < 10 {
		note("small sample (n=%d/%d)", rec.NTreatment, rec.NControl)
	}
	ratio := float64(rec.NTreatment) / float64(rec.NControl)
	if ratio > 10 || ratio < 0.1 {
		note("extreme group-size ratio %.1f", ratio)
	}
	if meta.IsBinaryMeasure(measure) && rec.EventsTreatment != nil && rec.EventsControl != nil {
		if *rec.EventsTreatment == 0 && *rec.EventsControl == 0 {
			note("zero events in both arms")
		} else if *rec.EventsTreatment == 0 || *rec.EventsControl == 0 {
			note("zero events in one arm")
		}
	}
	if rec.EffectSize != nil && rec.CILower != nil && rec.CIUpper != nil {
		if *rec.EffectSize < *rec.CILower || *rec.EffectSize > *rec.CIUpper {
			note("effect size %.3f outside its confidence interval [%.3f, %.3f]", *rec.EffectSize, *rec.CILower, *rec.CIUpper)
		}
	}
	if rec.Year != 0 && (rec.Year < 1900 || rec.Year > time.Now().Year()+1) {
		note("implausible year %d", rec.Year)
	}
	return warns
}

func stringField(row tabular.Row, field string) string {
	v, ok := row[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

// floatField returns (value, present, parse error). Empty strings count as
// absent rather than malformed.
func floatField(row tabular.Row, field string) (float64, bool, error) {
	v, ok := row[field]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case float64:
		return t, true, nil
	case int:
		return float64(t), true, nil
	case json.Number:
		f, err := t.Float64()
		return f, true, err
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, true, err
	default:
		return 0, true, fmt.Errorf("unsupported value type %T", v)
	}
}

func intField(row tabular.Row, field string) (int, bool, error) {
	f, ok, err := floatField(row, field)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != math.Trunc(f) {
		return 0, true, fmt.Errorf("not an integer")
	}
	return int(f), true, nil
}
