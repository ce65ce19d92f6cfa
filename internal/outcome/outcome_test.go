package outcome

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		verdict Verdict
		passed  int
		failed  int
		reason  string
	}{
		{
			name:    "failed zero with passes",
			output:  "Failed: 0\nPassed: 12",
			verdict: Success,
			passed:  12,
			failed:  0,
		},
		{
			name:    "single summary line",
			output:  "Starting\nTests run: 8, Passed: 8, Failed: 0\nSuccess\n",
			verdict: Success,
			passed:  8,
			failed:  0,
		},
		{
			name:    "failures",
			output:  "Failed: 2",
			verdict: Failure,
			passed:  -1,
			failed:  2,
		},
		{
			name:    "zero coverage",
			output:  "Passed: 0\nFailed: 0",
			verdict: Failure,
			passed:  0,
			failed:  0,
			reason:  "verifier reported zero passing tests",
		},
		{
			name:    "non-zero failure beside a zero failure line",
			output:  "Passed: 3, Failed: 0\nPassed: 1, Failed: 1",
			verdict: Failure,
			passed:  3,
			failed:  1,
		},
		{
			name:    "no marker",
			output:  "Starting engine\nLoading spec\n",
			verdict: Indeterminate,
			passed:  -1,
			failed:  -1,
			reason:  "no test summary in verifier output",
		},
		{
			name:    "empty",
			output:  "",
			verdict: Indeterminate,
			passed:  -1,
			failed:  -1,
		},
		{
			name:    "failed zero without pass count",
			output:  "Tests complete. Failed: 0",
			verdict: Indeterminate,
			passed:  -1,
			failed:  0,
			reason:  ReasonMissingPassCount,
		},
		{
			name:    "bare success marker",
			output:  "Success",
			verdict: Failure,
			passed:  -1,
			failed:  -1,
			reason:  "verifier output lacks a zero failure count",
		},
		{
			name:    "pass count without failure count",
			output:  "Passed: 5",
			verdict: Failure,
			passed:  5,
			failed:  -1,
		},
		{
			name:    "whitespace after colon",
			output:  "Passed:\t4  Failed:   0",
			verdict: Failure,
			passed:  4,
			failed:  0,
			reason:  ReasonUnrecognizedSummary,
		},
		{
			name:    "no space after colon",
			output:  "Tests run: 12, Passed:12, Failed:0",
			verdict: Failure,
			passed:  12,
			failed:  0,
			reason:  ReasonUnrecognizedSummary,
		},
		{
			name:    "padded counts",
			output:  "Passed:  5\nFailed:\t0",
			verdict: Failure,
			passed:  5,
			failed:  0,
			reason:  ReasonUnrecognizedSummary,
		},
		{
			name:    "zero-prefixed pass count",
			output:  "Failed: 0\nPassed: 05",
			verdict: Failure,
			passed:  5,
			failed:  0,
			reason:  ReasonUnrecognizedSummary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.output)
			assert.Equal(t, tt.verdict, got.Verdict)
			assert.Equal(t, tt.passed, got.Passed)
			assert.Equal(t, tt.failed, got.Failed)
			if tt.reason != "" {
				assert.Equal(t, tt.reason, got.Reason)
			}
			assert.Equal(t, tt.verdict == Success, got.OK())
			if tt.verdict != Failure {
				assert.Empty(t, got.Excerpt)
			}
		})
	}
}

func TestClassify_NeverSucceedsWithoutPasses(t *testing.T) {
	for _, output := range []string{
		"",
		"Success",
		"Failed: 0",
		"Passed: 0, Failed: 0\nSuccess",
		"Passed: 0\nPassed: 9\nFailed: 0",
		"Tests run: 12, Passed:12, Failed:0",
		"Passed:  5\nFailed:\t0",
		"Failed: 0\nPassed: 05",
	} {
		assert.NotEqual(t, Success, Classify(output).Verdict, "%q", output)
	}
}

func TestClassify_FailureExcerpt(t *testing.T) {
	output := strings.Join([]string{
		"Starting",
		"Scenario: OrderAccepted",
		"  >> ERROR: expected message on accepted-orders within 10s",
		"Scenario: NewOrderPlaced",
		"Tests run: 6, Passed: 5, Failed: 1",
	}, "\n")

	got := Classify(output)
	assert.Equal(t, Failure, got.Verdict)
	assert.Equal(t, []string{
		"  >> ERROR: expected message on accepted-orders within 10s",
		"Tests run: 6, Passed: 5, Failed: 1",
	}, got.Excerpt)
	assert.Equal(t, "verifier reported 1 failing tests", got.Reason)
}

func TestClassify_ExcerptIsBounded(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "error %d\n", i)
	}
	b.WriteString("Passed: 1, Failed: 3\n")

	got := Classify(b.String())
	assert.Equal(t, Failure, got.Verdict)
	assert.Len(t, got.Excerpt, excerptLines)
	assert.Equal(t, "error 0", got.Excerpt[0])
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "SUCCESS (passed 8, failed 0)", Classify("Passed: 8, Failed: 0").String())
	assert.Equal(t, "INDETERMINATE: "+ReasonMissingPassCount, Classify("Failed: 0").String())
}
