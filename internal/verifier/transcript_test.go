package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineWriter_SplitsAcrossWrites(t *testing.T) {
	tr := newTranscript(MarkerPattern, nil)
	w := &lineWriter{t: tr, stream: StreamStdout}

	w.Write([]byte("Tests ru"))
	w.Write([]byte("n: 2\r\nPassed: 2, "))
	assert.Equal(t, 1, tr.Len())
	assert.False(t, tr.MarkerSeen())

	w.Write([]byte("Failed: 0\n"))
	assert.True(t, tr.MarkerSeen())
	w.flush()

	assert.Equal(t, "Tests run: 2\nPassed: 2, Failed: 0\n", tr.Text())
	assert.Equal(t, []string{"Passed: 2, Failed: 0"}, tr.Tail(1))
	assert.Len(t, tr.Tail(10), 2)

	select {
	case <-tr.Marker():
	default:
		t.Fatal("marker channel not closed")
	}
}

func TestTranscript_ReadyOnFirstLine(t *testing.T) {
	tr := newTranscript(MarkerPattern, nil)
	select {
	case <-tr.Ready():
		t.Fatal("ready before any output")
	default:
	}

	tr.append(StreamStderr, "")
	select {
	case <-tr.Ready():
	default:
		t.Fatal("ready not closed after first line")
	}
}
