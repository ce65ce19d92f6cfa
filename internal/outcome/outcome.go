// Package outcome turns an engine transcript into a verdict.
//
// A run passes only when the transcript literally contains "Failed: 0",
// never contains "Passed: 0", and carries a non-zero pass count. Everything else is a failure, or indeterminate
// when the transcript carries no usable summary at all. Success is never
// inferred from missing information.
package outcome

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Verdict is the classification of one run.
type Verdict string

// Verdicts.
const (
	Success       Verdict = "SUCCESS"
	Failure       Verdict = "FAILURE"
	Indeterminate Verdict = "INDETERMINATE"
)

// ReasonUnrecognizedSummary flags counts that were found but not in the
// exact "Passed: N" / "Failed: 0" form the engine prints.
const ReasonUnrecognizedSummary = "verifier summary is not in the expected count format"

// ReasonMissingPassCount flags a transcript that reports "Failed: 0" but no
// pass count, so zero coverage cannot be ruled out.
const ReasonMissingPassCount = "report format lacks pass count; requires clarification"

// excerptLines bounds the excerpt attached to a failure.
const excerptLines = 20

var (
	countPattern = regexp.MustCompile(`(Passed|Failed):\s*(\d+)`)
	errorPattern = regexp.MustCompile(`(?i)\b(error|exception|fail)`)
)

// Outcome is the result of classifying a transcript.
type Outcome struct {
	Verdict Verdict `json:"verdict"`

	// Reason is a one-line explanation of the verdict.
	Reason string `json:"reason"`

	// Excerpt holds the lines that decided a Failure.
	Excerpt []string `json:"excerpt,omitempty"`

	// Passed and Failed are the largest counts reported, or -1 when the
	// transcript has none.
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// OK reports whether the run passed.
func (o Outcome) OK() bool { return o.Verdict == Success }

func (o Outcome) String() string {
	if o.Verdict == Success {
		return fmt.Sprintf("%s (passed %d, failed %d)", o.Verdict, o.Passed, o.Failed)
	}
	return fmt.Sprintf("%s: %s", o.Verdict, o.Reason)
}

// Classify decides the verdict for an engine transcript:
//
//   - no Passed/Failed count and no Success marker: Indeterminate
//   - any "Passed: 0": Failure (zero coverage)
//   - any non-zero Failed count: Failure
//   - literal "Failed: 0", no literal "Passed: 0" and a non-zero pass
//     count: Success
//   - counts in any other spelling, e.g. "Failed:0" or "Passed: 05":
//     Failure (ReasonUnrecognizedSummary)
//   - "Failed: 0" with no pass count: Indeterminate (ReasonMissingPassCount)
//   - anything else, e.g. a bare Success marker: Failure
func Classify(output string) Outcome {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")

	passed, failed := -1, -1
	var sawPass, sawFailed, zeroPassed, nonZeroFailed bool
	var summary []string
	sawSuccess := strings.Contains(output, "Success")

	for _, line := range lines {
		matches := countPattern.FindAllStringSubmatch(line, -1)
		if len(matches) > 0 {
			summary = append(summary, line)
		}
		for _, m := range matches {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			switch m[1] {
			case "Passed":
				sawPass = true
				if n == 0 {
					zeroPassed = true
				}
				passed = max(passed, n)
			case "Failed":
				sawFailed = true
				if n > 0 {
					nonZeroFailed = true
				}
				failed = max(failed, n)
			}
		}
	}

	o := Outcome{Passed: passed, Failed: failed}
	switch {
	case !sawPass && !sawFailed && !sawSuccess:
		o.Verdict = Indeterminate
		o.Reason = "no test summary in verifier output"
	case zeroPassed:
		o.Verdict = Failure
		o.Reason = "verifier reported zero passing tests"
		o.Excerpt = excerpt(summary, lines)
	case nonZeroFailed:
		o.Verdict = Failure
		o.Reason = fmt.Sprintf("verifier reported %d failing tests", failed)
		o.Excerpt = excerpt(failureContext(lines), lines)
	case sawFailed && sawPass:
		if strings.Contains(output, "Failed: 0") && !strings.Contains(output, "Passed: 0") {
			o.Verdict = Success
			o.Reason = fmt.Sprintf("%d tests passed, none failed", passed)
			break
		}
		o.Verdict = Failure
		o.Reason = ReasonUnrecognizedSummary
		o.Excerpt = excerpt(summary, lines)
	case sawFailed:
		o.Verdict = Indeterminate
		o.Reason = ReasonMissingPassCount
	default:
		o.Verdict = Failure
		o.Reason = "verifier output lacks a zero failure count"
		o.Excerpt = excerpt(summary, lines)
	}
	return o
}

// failureContext returns summary lines together with lines that look like
// errors.
func failureContext(lines []string) []string {
	var out []string
	for _, line := range lines {
		if countPattern.MatchString(line) || errorPattern.MatchString(line) {
			out = append(out, line)
		}
	}
	return out
}

// excerpt returns up to excerptLines of picked, or the tail of all when
// nothing was picked.
func excerpt(picked, all []string) []string {
	src := picked
	if len(src) == 0 {
		src = all
		if len(src) > excerptLines {
			src = src[len(src)-excerptLines:]
		}
	} else if len(src) > excerptLines {
		src = src[:excerptLines]
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}
