package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/models"
)

func TestArchive(t *testing.T) {
	contents := map[string]string{
		"page-0001.png":  "first page",
		"text layer.txt": "",
	}

	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)
	for _, name := range []string{"page-0001.png", "text layer.txt"} {
		data := contents[name]
		e := models.Entry{Name: name, DataHash: crypto.HashData([]byte(data))}
		require.NoError(t, aw.WriteEntry(e, int64(len(data)), strings.NewReader(data)))
	}
	require.NoError(t, aw.Close("token-123"))

	ar := NewArchiveReader(&buf)
	got := make(map[string]string)
	for {
		e, r, err := ar.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, crypto.HashData(data), e.DataHash)
		got[e.Name] = string(data)
	}

	assert.Equal(t, contents, got)
	assert.Equal(t, "token-123", ar.Token())

	_, _, err := ar.Next()
	assert.Equal(t, io.EOF, err)
}

func TestArchive_NoToken(t *testing.T) {
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)
	e := models.Entry{Name: "a", DataHash: crypto.HashData([]byte("x"))}
	require.NoError(t, aw.WriteEntry(e, 1, strings.NewReader("x")))
	require.NoError(t, aw.Close(""))

	ar := NewArchiveReader(&buf)
	_, _, err := ar.Next()
	require.NoError(t, err)
	_, _, err = ar.Next()
	assert.Equal(t, io.EOF, err)
	assert.Empty(t, ar.Token())
}

func TestArchive_ShortData(t *testing.T) {
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)
	err := aw.WriteEntry(models.Entry{Name: "a", DataHash: "h"}, 10, strings.NewReader("abc"))
	assert.Error(t, err)
}

func TestArchive_Truncated(t *testing.T) {
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)
	data := strings.Repeat("z", 4096)
	require.NoError(t, aw.WriteEntry(models.Entry{Name: "a", DataHash: crypto.HashData([]byte(data))}, int64(len(data)), strings.NewReader(data)))
	require.NoError(t, aw.Close("tok"))

	ar := NewArchiveReader(bytes.NewReader(buf.Bytes()[:2048]))
	_, r, err := ar.Next()
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.Error(t, err)
}
