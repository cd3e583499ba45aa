package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// HashSize длина hex-представления SHA256 хеша
const HashSize = sha256.Size * 2

// HashData возвращает hex-encoded SHA256 от содержимого записи
func HashData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA256 and returns the digest and byte count
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to hash data: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashingWriter computes the content hash of everything written through it
type HashingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewHashingWriter wraps w; pass io.Discard to only hash
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	hw.n += int64(n)
	return n, err
}

// Sum returns the hex digest of data written so far
func (hw *HashingWriter) Sum() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// Size returns the number of bytes written so far
func (hw *HashingWriter) Size() int64 {
	return hw.n
}

// IsHash reports whether s looks like a digest produced by HashData
func IsHash(s string) bool {
	if len(s) != HashSize {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// PassPhraseHash combines key (usually a docId) with the shared pass-phrase.
// Узлы передают только этот хеш, поэтому перехваченный запрос нельзя
// повторить для другого документа, не зная секрета.
func PassPhraseHash(key, passPhrase string) string {
	mac := hmac.New(sha256.New, []byte(passPhrase))
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPassPhraseHash проверяет хеш в постоянное время
func VerifyPassPhraseHash(key, passPhrase, got string) bool {
	if passPhrase == "" || got == "" {
		return false
	}
	want := PassPhraseHash(key, passPhrase)
	return hmac.Equal([]byte(want), []byte(got))
}
