package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a run ID is not in the ledger.
var ErrNotFound = errors.New("run not found")

// Run is one ledger entry.
type Run struct {
	ID          string        `json:"id"`
	Seq         int64         `json:"seq"`
	Suite       string        `json:"suite,omitempty"`
	Receive     string        `json:"receive"`
	Send        string        `json:"send"`
	Strategy    string        `json:"strategy"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Verdict     string        `json:"verdict"`
	FailureKind string        `json:"failure_kind,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	Passed      int           `json:"passed"`
	Failed      int           `json:"failed"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`

	// Excerpt and Output are only populated by GetRun.
	Excerpt []string `json:"excerpt,omitempty"`
	Output  string   `json:"-"`
}

// Filter narrows ListRuns. Zero fields match everything.
type Filter struct {
	Receive string
	Send    string
	Verdict string
	Suite   string

	// Limit keeps only the most recent runs when positive.
	Limit int
}

// RecordRun appends r to the ledger and returns its seq. Recording an ID
// that already exists changes nothing and returns the existing seq.
func (s *Store) RecordRun(ctx context.Context, r Run) (int64, error) {
	if r.ID == "" {
		return 0, fmt.Errorf("record run: empty id")
	}
	excerpt, err := marshalExcerpt(r.Excerpt)
	if err != nil {
		return 0, fmt.Errorf("record run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("record run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT seq FROM runs WHERE id = ?`, r.ID).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("record run: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM runs`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("record run: next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, seq, suite, receive_protocol, send_protocol, strategy, fingerprint,
		 verdict, failure_kind, detail, passed, failed, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		seq,
		r.Suite,
		r.Receive,
		r.Send,
		r.Strategy,
		r.Fingerprint,
		r.Verdict,
		r.FailureKind,
		r.Detail,
		r.Passed,
		r.Failed,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.Duration.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("record run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_output (run_id, excerpt, output) VALUES (?, ?, ?)
	`, r.ID, excerpt, r.Output)
	if err != nil {
		return 0, fmt.Errorf("record run output: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("record run: commit: %w", err)
	}
	return seq, nil
}

const runColumns = `id, seq, suite, receive_protocol, send_protocol, strategy, fingerprint,
		verdict, failure_kind, detail, passed, failed, started_at, duration_ms`

// ListRuns returns runs matching f ordered by seq ASC, id ASC.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListRuns(ctx context.Context, f Filter) ([]Run, error) {
	var where []string
	var args []any
	for _, c := range []struct {
		column, value string
	}{
		{"receive_protocol", f.Receive},
		{"send_protocol", f.Send},
		{"verdict", f.Verdict},
		{"suite", f.Suite},
	} {
		if c.value != "" {
			where = append(where, c.column+" = ?")
			args = append(args, c.value)
		}
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		// most recent N, then back to ascending order
		query = `SELECT * FROM (` + query + ` ORDER BY seq DESC LIMIT ?)`
		args = append(args, f.Limit)
	}
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns a single run with its excerpt and output.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}

	var excerpt string
	err = s.db.QueryRowContext(ctx, `SELECT excerpt, output FROM run_output WHERE run_id = ?`, id).Scan(&excerpt, &r.Output)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("read run output: %w", err)
	}
	if r.Excerpt, err = unmarshalExcerpt(excerpt); err != nil {
		return Run{}, fmt.Errorf("read run output: %w", err)
	}
	return r, nil
}

// PairSummary aggregates the runs of one protocol pair.
type PairSummary struct {
	Receive     string `json:"receive"`
	Send        string `json:"send"`
	Runs        int    `json:"runs"`
	Successes   int    `json:"successes"`
	LastVerdict string `json:"last_verdict"`
	LastRunID   string `json:"last_run_id"`
}

// SummarizePairs returns one summary per protocol pair, ordered by pair.
func (s *Store) SummarizePairs(ctx context.Context) ([]PairSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.receive_protocol, r.send_protocol, agg.runs, agg.successes, r.verdict, r.id
		FROM runs r
		JOIN (
			SELECT receive_protocol, send_protocol,
			       COUNT(*) AS runs,
			       SUM(CASE WHEN verdict = 'SUCCESS' THEN 1 ELSE 0 END) AS successes,
			       MAX(seq) AS last_seq
			FROM runs
			GROUP BY receive_protocol, send_protocol
		) agg ON r.seq = agg.last_seq
		ORDER BY r.receive_protocol COLLATE BINARY ASC, r.send_protocol COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("summarize runs: %w", err)
	}
	defer rows.Close()

	out := []PairSummary{}
	for rows.Next() {
		var p PairSummary
		if err := rows.Scan(&p.Receive, &p.Send, &p.Runs, &p.Successes, &p.LastVerdict, &p.LastRunID); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var started string
	var durationMS int64
	err := row.Scan(
		&r.ID,
		&r.Seq,
		&r.Suite,
		&r.Receive,
		&r.Send,
		&r.Strategy,
		&r.Fingerprint,
		&r.Verdict,
		&r.FailureKind,
		&r.Detail,
		&r.Passed,
		&r.Failed,
		&started,
		&durationMS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	r.StartedAt, err = time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Run{}, fmt.Errorf("scan run %s: started_at: %w", r.ID, err)
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return r, nil
}

func marshalExcerpt(lines []string) (string, error) {
	if lines == nil {
		lines = []string{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("marshal excerpt: %w", err)
	}
	return string(data), nil
}

func unmarshalExcerpt(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var lines []string
	if err := json.Unmarshal([]byte(data), &lines); err != nil {
		return nil, fmt.Errorf("unmarshal excerpt: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil
	}
	return lines, nil
}
