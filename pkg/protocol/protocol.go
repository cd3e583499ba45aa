// Package protocol implements the line oriented wire format shared by the server,
// the client and replicating peers.
//
// A request body is a command keyword line followed by request lines and,
// for some commands, a tar stream. A response starts with the echoed command;
// any other first line is an error message.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Commands
const (
	CmdLogin           = "login"
	CmdList            = "list"
	CmdCheckout        = "checkout"
	CmdManifest        = "manifest"
	CmdFetch           = "fetch"
	CmdUpdate          = "update"
	CmdTransfer        = "transfer"
	CmdDelete          = "delete"
	CmdRelease         = "release"
	CmdProtocol        = "protocol"
	CmdReplicaDocument = "replica-document"
	CmdReplicaEntries  = "replica-entries"
	CmdReplicaList     = "replica-list"
	CmdReplicaEvents   = "replica-events"
	CmdReplication     = "replication"
)

// HTTP surface
const (
	CommandPath = "/api/v1/command"
	EventsPath  = "/api/v1/replication/events"
	HealthPath  = "/api/v1/health"

	HeaderDomain = "X-Dockeeper-Domain"
	HeaderAuth   = "X-Dockeeper-Auth"

	ContentType = "text/plain; charset=utf-8"
)

// MaxLineLength ограничение длины одной строки протокола
const MaxLineLength = 64 * 1024

// ErrLineTooLong is returned when a line exceeds MaxLineLength
var ErrLineTooLong = errors.New("protocol line too long")

// RemoteError is an error line sent by the other side instead of the echoed command
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches sentinel errors by message prefix, so that errors.Is works across the wire
func (e *RemoteError) Is(target error) bool {
	if target == nil {
		return false
	}
	return strings.HasPrefix(e.Message, target.Error())
}

// Reader reads protocol lines; the remaining bytes (a tar stream) are readable through Read
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadLine returns the next line without its terminator.
// io.EOF is returned only when no bytes are left.
func (r *Reader) ReadLine() (string, error) {
	var buf []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxLineLength {
			return "", ErrLineTooLong
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(buf) == 0 {
				return "", io.EOF
			}
			return trimEOL(buf), nil
		case err != nil:
			return "", err
		}
		return trimEOL(buf), nil
	}
}

// MustLine reads a line that has to be present
func (r *Reader) MustLine(what string) (string, error) {
	line, err := r.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("missing %s line: %w", what, io.ErrUnexpectedEOF)
		}
		return "", fmt.Errorf("failed to read %s line: %w", what, err)
	}
	return line, nil
}

// Read reads raw bytes following the lines
func (r *Reader) Read(p []byte) (int, error) {
	return r.br.Read(p)
}

// ExpectEcho reads the first response line and fails with a RemoteError if it is not cmd
func (r *Reader) ExpectEcho(cmd string) error {
	line, err := r.ReadLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty response to %s: %w", cmd, io.ErrUnexpectedEOF)
		}
		return err
	}
	if line != cmd {
		return &RemoteError{Message: line}
	}
	return nil
}

// ReadLines reads lines up to a blank line or the end of the stream
func (r *Reader) ReadLines() ([]string, error) {
	lines := make([]string, 0)
	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) || (err == nil && line == "") {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
}

func trimEOL(b []byte) string {
	s := string(b)
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

// Writer writes protocol lines. The first write error sticks and is reported by Flush.
type Writer struct {
	bw  *bufio.Writer
	err error
}

// NewWriter wraps w
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Line writes s as one line; embedded line breaks are replaced with spaces
func (w *Writer) Line(s string) {
	if w.err != nil {
		return
	}
	_, w.err = w.bw.WriteString(lineBreaks.Replace(s) + "\n")
}

// Linef writes a formatted line
func (w *Writer) Linef(format string, args ...any) {
	w.Line(fmt.Sprintf(format, args...))
}

// End writes the blank terminator line
func (w *Writer) End() {
	if w.err != nil {
		return
	}
	_, w.err = w.bw.WriteString("\n")
}

// Write writes raw bytes after the lines
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.bw.Write(p)
	w.err = err
	return n, err
}

// Flush flushes buffered data and returns the first error seen
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.bw.Flush()
	return w.err
}

// Err returns the first error seen
func (w *Writer) Err() error {
	return w.err
}
