package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLocked = errors.New("document is locked by another user")

func TestReader_ReadLine(t *testing.T) {
	r := NewReader(strings.NewReader("update\r\nsid\n\nlast"))

	for _, want := range []string{"update", "sid", "", "last"} {
		got, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_LineTooLong(t *testing.T) {
	r := NewReader(strings.NewReader(strings.Repeat("x", MaxLineLength+10) + "\n"))
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestReader_MustLine(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	_, err := r.MustLine("session")
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_RawBytesAfterLines(t *testing.T) {
	r := NewReader(strings.NewReader("transfer\ntoken\nRAWDATA"))
	_, _ = r.ReadLine()
	_, _ = r.ReadLine()

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "RAWDATA", string(rest))
}

func TestReader_ExpectEcho(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		isLock  bool
	}{
		{name: "echo", body: "checkout\nA k\tv\n"},
		{name: "error line", body: "document is locked by another user: d1 is checked out by bob\n", wantErr: true, isLock: true},
		{name: "other error", body: "unauthorized: bad session\n", wantErr: true},
		{name: "empty", body: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewReader(strings.NewReader(tt.body)).ExpectEcho(CmdCheckout)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.isLock, errors.Is(err, errLocked))
		})
	}
}

func TestReader_ReadLines(t *testing.T) {
	r := NewReader(strings.NewReader("a\nb\n\nc\n"))
	lines, err := r.ReadLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)

	lines, err = r.ReadLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, lines)
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Line("delete")
	w.Line("multi\nline\r\nerror")
	w.Linef("version %d", 3)
	w.End()
	_, err := w.Write([]byte("raw"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())

	assert.Equal(t, "delete\nmulti line error\nversion 3\n\nraw", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriter_StickyError(t *testing.T) {
	w := NewWriter(failingWriter{})
	w.Line(strings.Repeat("x", 8192))
	w.Line("next")
	assert.Error(t, w.Flush())
	assert.Error(t, w.Err())
}
