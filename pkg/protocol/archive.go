package protocol

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/iudanet/dockeeper/internal/models"
)

// PAXHash is the PAX record carrying the declared content hash of an archive member
const PAXHash = "DOCKEEPER.hash"

// ArchiveWriter streams entries as a tar archive
type ArchiveWriter struct {
	tw *tar.Writer
}

// NewArchiveWriter creates an archive writer on w
func NewArchiveWriter(w io.Writer) *ArchiveWriter {
	return &ArchiveWriter{tw: tar.NewWriter(w)}
}

// WriteEntry writes one member with exactly size bytes from r
func (a *ArchiveWriter) WriteEntry(e models.Entry, size int64, r io.Reader) error {
	mtime := e.UpdateTime
	if mtime.IsZero() {
		mtime = time.Unix(0, 0)
	}

	hdr := &tar.Header{
		Typeflag:   tar.TypeReg,
		Name:       e.Name,
		Size:       size,
		Mode:       0o644,
		ModTime:    mtime,
		Format:     tar.FormatPAX,
		PAXRecords: map[string]string{PAXHash: e.DataHash},
	}
	if err := a.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header of %s: %w", e.Name, err)
	}
	if _, err := io.CopyN(a.tw, r, size); err != nil {
		return fmt.Errorf("failed to write data of %s: %w", e.Name, err)
	}
	return nil
}

// Close finishes the archive. A non-empty token is written as the final empty member.
func (a *ArchiveWriter) Close(token string) error {
	if token != "" {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     token,
			Mode:     0o644,
			ModTime:  time.Now(),
			Format:   tar.FormatPAX,
		}
		if err := a.tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write archive terminator: %w", err)
		}
	}
	return a.tw.Close()
}

// ArchiveReader reads entries written by ArchiveWriter
type ArchiveReader struct {
	tr    *tar.Reader
	token string
	done  bool
}

// NewArchiveReader creates an archive reader on r
func NewArchiveReader(r io.Reader) *ArchiveReader {
	return &ArchiveReader{tr: tar.NewReader(r)}
}

// Next returns the next entry and a reader of its bytes.
// io.EOF marks the end of the archive or its terminator member.
func (a *ArchiveReader) Next() (models.Entry, io.Reader, error) {
	if a.done {
		return models.Entry{}, nil, io.EOF
	}

	for {
		hdr, err := a.tr.Next()
		if errors.Is(err, io.EOF) {
			a.done = true
			return models.Entry{}, nil, io.EOF
		}
		if err != nil {
			return models.Entry{}, nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		hash, ok := hdr.PAXRecords[PAXHash]
		if !ok {
			// пустой член без хеша завершает архив
			a.token = hdr.Name
			a.done = true
			return models.Entry{}, nil, io.EOF
		}

		e := models.Entry{Name: hdr.Name, DataHash: hash}
		if hdr.ModTime.Unix() != 0 {
			e.UpdateTime = time.UnixMilli(hdr.ModTime.UnixMilli())
		}
		return e, a.tr, nil
	}
}

// Token returns the name of the terminator member, "" if the archive had none
func (a *ArchiveReader) Token() string {
	return a.token
}
