package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/squad/pkg/naming"
	"github.com/ethpandaops/squad/pkg/stats"
)

// Metadata is a decoded metadata payload. Raw keeps every key.
type Metadata struct {
	Raw         map[string]any
	JobID       string
	JobStatus   string
	JobURL      string
	BuildURL    string
	ResubmitURL string
	Datetime    *time.Time
}

// TestResult is one entry of a tests payload.
type TestResult struct {
	Suite string
	Name  string
	// Result is nil for skipped tests.
	Result *bool
	// XFail is set for tests reported as expected failures.
	XFail bool
	Log   string
}

// FullName returns the suite-qualified test name.
func (t TestResult) FullName() string {
	return naming.Join(t.Suite, t.Name)
}

// MetricResult is one entry of a metrics payload.
type MetricResult struct {
	Suite        string
	Name         string
	Result       float64
	Measurements []float64
	Unit         string
}

// FullName returns the suite-qualified metric name.
func (m MetricResult) FullName() string {
	return naming.Join(m.Suite, m.Name)
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %s", typeName(v))
	}

	return obj, nil
}

// ParseMetadata decodes and validates a metadata payload.
func ParseMetadata(data []byte) (*Metadata, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, invalidMetadata("%v", err)
	}

	md := &Metadata{Raw: raw}

	if v, ok := raw["job_id"]; ok && v != nil {
		switch id := v.(type) {
		case json.Number:
			if _, err := id.Int64(); err != nil {
				return nil, invalidMetadata("job_id must be an integer or a string, got %s", id)
			}

			md.JobID = id.String()
		case string:
			md.JobID = id
		default:
			return nil, invalidMetadata("job_id must be an integer or a string, got %s", typeName(v))
		}

		if strings.Contains(md.JobID, "/") {
			return nil, invalidMetadata("job_id cannot contain a slash: %q", md.JobID)
		}

		raw["job_id"] = md.JobID
	}

	md.JobStatus = stringField(raw, "job_status")
	md.JobURL = stringField(raw, "job_url")
	md.BuildURL = stringField(raw, "build_url")
	md.ResubmitURL = stringField(raw, "resubmit_url")

	if s := stringField(raw, "datetime"); s != "" {
		when, err := parseDatetime(s)
		if err != nil {
			return nil, invalidMetadata("%v", err)
		}

		md.Datetime = &when
	}

	return md, nil
}

func stringField(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

func parseDatetime(s string) (time.Time, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised datetime %q", s)
}

// ParseTests decodes and validates a tests payload. Results are sorted by
// full name.
func ParseTests(data []byte) ([]TestResult, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, invalidTests("%v", err)
	}

	tests := make([]TestResult, 0, len(raw))

	for full, value := range raw {
		suite, name := naming.Parse(full)
		test := TestResult{Suite: suite, Name: name}

		switch v := value.(type) {
		case map[string]any:
			parseTestResult(&test, v["result"])

			if log, ok := v["log"]; ok && log != nil {
				s, ok := log.(string)
				if !ok {
					return nil, invalidTests("log of %q must be a string", full)
				}

				test.Log = s
			}
		case string, bool, nil:
			parseTestResult(&test, v)
		default:
			return nil, invalidTests("result of %q must be a string or an object, got %s", full, typeName(value))
		}

		tests = append(tests, test)
	}

	sort.Slice(tests, func(i, j int) bool { return tests[i].FullName() < tests[j].FullName() })

	return tests, nil
}

func parseTestResult(test *TestResult, value any) {
	pass, fail := true, false

	switch v := value.(type) {
	case bool:
		if v {
			test.Result = &pass
		} else {
			test.Result = &fail
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "pass", "true":
			test.Result = &pass
		case "fail", "false":
			test.Result = &fail
		case "xfail":
			test.Result = &fail
			test.XFail = true
		}
	}
}

// ParseMetrics decodes and validates a metrics payload. Non-finite values
// are dropped and metrics left without values are skipped. Results are
// sorted by full name.
func ParseMetrics(data []byte) ([]MetricResult, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return nil, invalidMetrics("%v", err)
	}

	metrics := make([]MetricResult, 0, len(raw))

	for full, value := range raw {
		suite, name := naming.Parse(full)
		metric := MetricResult{Suite: suite, Name: name}

		if obj, ok := value.(map[string]any); ok {
			value = obj["value"]

			if unit, ok := obj["unit"].(string); ok {
				metric.Unit = unit
			}
		}

		measurements, err := parseMeasurements(value)
		if err != nil {
			return nil, invalidMetrics("value of %q: %v", full, err)
		}

		measurements = stats.Finite(measurements)
		if len(measurements) == 0 {
			continue
		}

		metric.Measurements = measurements
		metric.Result = stats.Mean(measurements)

		metrics = append(metrics, metric)
	}

	sort.Slice(metrics, func(i, j int) bool { return metrics[i].FullName() < metrics[j].FullName() })

	return metrics, nil
}

func parseMeasurements(value any) ([]float64, error) {
	if list, ok := value.([]any); ok {
		out := make([]float64, 0, len(list))

		for _, item := range list {
			f, err := parseNumber(item)
			if err != nil {
				return nil, err
			}

			out = append(out, f)
		}

		return out, nil
	}

	f, err := parseNumber(value)
	if err != nil {
		return nil, err
	}

	return []float64{f}, nil
}

func parseNumber(value any) (float64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v)
		}

		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %s", typeName(value))
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
