package ingest_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/squad/pkg/ingest"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		jobID   string
		wantErr bool
	}{
		{name: "string job id", input: `{"job_id": "123"}`, jobID: "123"},
		{name: "integer job id", input: `{"job_id": 123}`, jobID: "123"},
		{name: "no job id", input: `{"foo": "bar"}`},
		{name: "float job id", input: `{"job_id": 1.5}`, wantErr: true},
		{name: "list job id", input: `{"job_id": [1]}`, wantErr: true},
		{name: "slash in job id", input: `{"job_id": "a/b"}`, wantErr: true},
		{name: "not an object", input: `[1, 2]`, wantErr: true},
		{name: "malformed", input: `{"job_id": `, wantErr: true},
		{name: "bad datetime", input: `{"datetime": "yesterday"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := ingest.ParseMetadata([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)

				var mdErr *ingest.InvalidMetadataError
				assert.True(t, errors.As(err, &mdErr))
				assert.ErrorIs(t, err, ingest.ErrInvalidInput)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.jobID, md.JobID)
		})
	}
}

func TestParseMetadata_Fields(t *testing.T) {
	md, err := ingest.ParseMetadata([]byte(`{
		"job_id": 7,
		"job_status": "Complete",
		"job_url": "https://ci.example.com/7",
		"datetime": "2024-03-01T10:00:00Z",
		"kernel": "6.1"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "7", md.JobID)
	assert.Equal(t, "Complete", md.JobStatus)
	assert.Equal(t, "https://ci.example.com/7", md.JobURL)
	require.NotNil(t, md.Datetime)
	assert.True(t, md.Datetime.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "6.1", md.Raw["kernel"])
	assert.Equal(t, "7", md.Raw["job_id"])
}

func TestParseTests(t *testing.T) {
	tests, err := ingest.ParseTests([]byte(`{
		"suite1/pass": "pass",
		"suite1/fail": "fail",
		"suite1/xfail": "xfail",
		"suite2/skip": "skip",
		"suite2/bool": true,
		"suite2/obj": {"result": "fail", "log": "boom"},
		"root": "PASS"
	}`))
	require.NoError(t, err)
	require.Len(t, tests, 7)

	byName := make(map[string]ingest.TestResult, len(tests))
	for _, test := range tests {
		byName[test.FullName()] = test
	}

	require.NotNil(t, byName["suite1/pass"].Result)
	assert.True(t, *byName["suite1/pass"].Result)
	assert.False(t, *byName["suite1/fail"].Result)
	assert.False(t, *byName["suite1/xfail"].Result)
	assert.True(t, byName["suite1/xfail"].XFail)
	assert.Nil(t, byName["suite2/skip"].Result)
	assert.True(t, *byName["suite2/bool"].Result)
	assert.Equal(t, "boom", byName["suite2/obj"].Log)
	assert.True(t, *byName["root"].Result)

	assert.Equal(t, "suite1", byName["suite1/pass"].Suite)
	assert.Equal(t, "pass", byName["suite1/pass"].Name)

	for i := 1; i < len(tests); i++ {
		assert.Less(t, tests[i-1].FullName(), tests[i].FullName())
	}
}

func TestParseTests_Invalid(t *testing.T) {
	for _, input := range []string{
		`[]`,
		`"pass"`,
		`{"a": 1}`,
		`{"a": {"result": "pass", "log": 3}}`,
		`{`,
	} {
		_, err := ingest.ParseTests([]byte(input))

		var testsErr *ingest.InvalidTestsDataError
		assert.True(t, errors.As(err, &testsErr), input)
	}
}

func TestParseMetrics(t *testing.T) {
	metrics, err := ingest.ParseMetrics([]byte(`{
		"suite/single": 2,
		"suite/string": "3.5",
		"suite/list": [1, 2, 3],
		"suite/unit": {"value": [4, 6], "unit": "ms"},
		"suite/empty": []
	}`))
	require.NoError(t, err)
	require.Len(t, metrics, 4)

	byName := make(map[string]ingest.MetricResult, len(metrics))
	for _, m := range metrics {
		byName[m.FullName()] = m
	}

	assert.InDelta(t, 2.0, byName["suite/single"].Result, 1e-9)
	assert.InDelta(t, 3.5, byName["suite/string"].Result, 1e-9)
	assert.InDelta(t, 2.0, byName["suite/list"].Result, 1e-9)
	assert.Equal(t, []float64{1, 2, 3}, byName["suite/list"].Measurements)
	assert.InDelta(t, 5.0, byName["suite/unit"].Result, 1e-9)
	assert.Equal(t, "ms", byName["suite/unit"].Unit)
	assert.NotContains(t, byName, "suite/empty")
}

func TestParseMetrics_Invalid(t *testing.T) {
	for _, input := range []string{
		`[1]`,
		`{"a": "abc"}`,
		`{"a": [1, "x"]}`,
		`{"a": true}`,
		`{"a": {"unit": "ms"}}`,
	} {
		_, err := ingest.ParseMetrics([]byte(input))

		var metricsErr *ingest.InvalidMetricsDataError
		assert.True(t, errors.As(err, &metricsErr), input)
		assert.ErrorIs(t, err, ingest.ErrInvalidInput)
	}
}
