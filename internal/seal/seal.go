// Package seal computes cryptographic content digests for evidence and
// exported artifacts.
//
// A seal is the SHA-256 digest of an exact byte sequence, rendered as a
// lowercase hex string. Evidence seals are computed once at ingestion and
// stored as the chain-of-custody anchor for that payload; artifact seals are
// computed over a fully rendered export and prove that specific rendering.
package seal

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Digest returns the hex-encoded SHA-256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestReader computes the hex-encoded SHA-256 digest of everything
// readable from r.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("digest reader: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile computes the digest of the file at path and returns it with the
// file size in bytes.
func DigestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, &IntegrityError{Name: path, Err: err}
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, &IntegrityError{Name: path, Err: err}
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Verify recomputes the digest of data and compares it to want in constant
// time. Returns true when the content is unchanged.
func Verify(data []byte, want string) bool {
	got := Digest(data)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Truncate shortens a hex digest for display. Full digests remain the only
// authoritative form; truncation is presentation only.
func Truncate(digest string, n int) string {
	if n <= 0 || len(digest) <= n {
		return digest
	}
	return digest[:n] + "..."
}

// IntegrityError reports a digest computation failure for one specific
// source. It is fatal for that item only; callers continue with siblings.
type IntegrityError struct {
	Name string
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: digest %s: %v", e.Name, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }
