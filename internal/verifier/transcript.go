package verifier

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
)

// MarkerPattern matches the line that tells the engine has reached a
// terminal outcome.
var MarkerPattern = regexp.MustCompile(`Failed:|Success`)

// Stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Line is one line of engine output.
type Line struct {
	Stream string
	Text   string
}

// Transcript accumulates engine output from both streams in arrival order.
// It is safe for concurrent use.
type Transcript struct {
	mu    sync.Mutex
	lines []Line

	pattern *regexp.Regexp
	sink    func(Line)

	ready      chan struct{}
	readyOnce  sync.Once
	marker     chan struct{}
	markerOnce sync.Once
	markerSeen bool
}

func newTranscript(pattern *regexp.Regexp, sink func(Line)) *Transcript {
	return &Transcript{
		pattern: pattern,
		sink:    sink,
		ready:   make(chan struct{}),
		marker:  make(chan struct{}),
	}
}

func (t *Transcript) append(stream, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l := Line{Stream: stream, Text: text}
	t.lines = append(t.lines, l)
	if t.sink != nil {
		t.sink(l)
	}

	t.readyOnce.Do(func() { close(t.ready) })
	if t.pattern.MatchString(text) {
		t.markerSeen = true
		t.markerOnce.Do(func() { close(t.marker) })
	}
}

// Ready is closed once the first line arrives.
func (t *Transcript) Ready() <-chan struct{} { return t.ready }

// Marker is closed once a terminal marker line arrives.
func (t *Transcript) Marker() <-chan struct{} { return t.marker }

// MarkerSeen reports whether a terminal marker has arrived.
func (t *Transcript) MarkerSeen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.markerSeen
}

// Len is the number of lines received.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lines)
}

// Text joins every line received so far.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	for _, l := range t.lines {
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Tail returns the last n lines.
func (t *Transcript) Tail(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := len(t.lines) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(t.lines)-start)
	for _, l := range t.lines[start:] {
		out = append(out, l.Text)
	}
	return out
}

// lineWriter splits a byte stream into lines for a Transcript. Each writer
// is fed by a single goroutine.
type lineWriter struct {
	t      *Transcript
	stream string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.t.append(w.stream, strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// flush emits a trailing partial line.
func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.t.append(w.stream, strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}
