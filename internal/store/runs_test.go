package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2025, 4, 12, 14, 30, 0, 0, time.UTC)

func testRun(id, receive, send, verdict string) Run {
	return Run{
		ID:          id,
		Receive:     receive,
		Send:        send,
		Strategy:    "overlay",
		Fingerprint: "f00d",
		Verdict:     verdict,
		Passed:      8,
		Failed:      0,
		StartedAt:   t0,
		Duration:    1500 * time.Millisecond,
	}
}

func TestRecordRun_AssignsSequentialSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"run-b", "run-a", "run-c"} {
		seq, err := s.RecordRun(ctx, testRun(id, "amqp", "kafka", "SUCCESS"))
		if err != nil {
			t.Fatalf("RecordRun(%s) failed: %v", id, err)
		}
		if seq != int64(i+1) {
			t.Errorf("RecordRun(%s) seq = %d, want %d", id, seq, i+1)
		}
	}

	runs, err := s.ListRuns(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListRuns() failed: %v", err)
	}
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	if want := []string{"run-b", "run-a", "run-c"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ListRuns() order = %v, want %v", ids, want)
	}
}

func TestRecordRun_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.RecordRun(ctx, testRun("run-1", "amqp", "kafka", "SUCCESS"))
	if err != nil {
		t.Fatalf("first RecordRun() failed: %v", err)
	}
	again := testRun("run-1", "jms", "mqtt", "FAILURE")
	second, err := s.RecordRun(ctx, again)
	if err != nil {
		t.Fatalf("second RecordRun() failed: %v", err)
	}
	if first != second {
		t.Errorf("seq changed on re-record: %d then %d", first, second)
	}

	r, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}
	if r.Verdict != "SUCCESS" || r.Receive != "amqp" {
		t.Errorf("re-record overwrote the run: %+v", r)
	}
}

func TestRecordRun_RejectsEmptyID(t *testing.T) {
	s := createTestStore(t)
	if _, err := s.RecordRun(context.Background(), Run{}); err == nil {
		t.Error("RecordRun() with empty ID succeeded")
	}
}

func TestGetRun_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	in := testRun("run-1", "jms", "mqtt", "FAILURE")
	in.Suite = "nightly"
	in.FailureKind = "CONTRACT_VIOLATION"
	in.Detail = "verifier reported 1 failing tests"
	in.Passed = 7
	in.Failed = 1
	in.Excerpt = []string{"ERROR: no message on accepted-orders", "Passed: 7, Failed: 1"}
	in.Output = "Starting\nPassed: 7, Failed: 1\n"

	if _, err := s.RecordRun(ctx, in); err != nil {
		t.Fatalf("RecordRun() failed: %v", err)
	}
	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun() failed: %v", err)
	}

	in.Seq = 1
	if !reflect.DeepEqual(got, in) {
		t.Errorf("GetRun() = %+v\nwant %+v", got, in)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListRuns_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	fixtures := []Run{
		testRun("r1", "amqp", "kafka", "SUCCESS"),
		testRun("r2", "jms", "mqtt", "FAILURE"),
		testRun("r3", "amqp", "kafka", "FAILURE"),
		testRun("r4", "sqs", "kafka", "SUCCESS"),
		testRun("r5", "amqp", "kafka", "SUCCESS"),
	}
	fixtures[4].Suite = "nightly"
	for _, r := range fixtures {
		if _, err := s.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun(%s) failed: %v", r.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"r1", "r2", "r3", "r4", "r5"}},
		{"pair", Filter{Receive: "amqp", Send: "kafka"}, []string{"r1", "r3", "r5"}},
		{"send only", Filter{Send: "kafka"}, []string{"r1", "r3", "r4", "r5"}},
		{"verdict", Filter{Verdict: "FAILURE"}, []string{"r2", "r3"}},
		{"suite", Filter{Suite: "nightly"}, []string{"r5"}},
		{"limit keeps most recent", Filter{Limit: 2}, []string{"r4", "r5"}},
		{"limit with filter", Filter{Receive: "amqp", Limit: 2}, []string{"r3", "r5"}},
		{"no match", Filter{Receive: "mqtt"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns() failed: %v", err)
			}
			ids := []string{}
			for _, r := range runs {
				ids = append(ids, r.ID)
				if r.Output != "" || r.Excerpt != nil {
					t.Errorf("ListRuns() populated output for %s", r.ID)
				}
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("ListRuns(%+v) = %v, want %v", tt.filter, ids, tt.want)
			}
		})
	}
}

func TestSummarizePairs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, r := range []Run{
		testRun("r1", "amqp", "kafka", "SUCCESS"),
		testRun("r2", "jms", "mqtt", "FAILURE"),
		testRun("r3", "amqp", "kafka", "FAILURE"),
		testRun("r4", "amqp", "kafka", "SUCCESS"),
	} {
		if _, err := s.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun(%s) failed: %v", r.ID, err)
		}
	}

	got, err := s.SummarizePairs(ctx)
	if err != nil {
		t.Fatalf("SummarizePairs() failed: %v", err)
	}
	want := []PairSummary{
		{Receive: "amqp", Send: "kafka", Runs: 3, Successes: 2, LastVerdict: "SUCCESS", LastRunID: "r4"},
		{Receive: "jms", Send: "mqtt", Runs: 1, Successes: 0, LastVerdict: "FAILURE", LastRunID: "r2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SummarizePairs() = %+v\nwant %+v", got, want)
	}
}
