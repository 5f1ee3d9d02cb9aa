// Package hashing implements a dual-hash streaming service: a single
// streaming pass computing both SHA-256 and BLAKE3 over a file, plus a
// cheap "fast hash" used only as a candidate filter during HuggingFace
// lookups.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"lukechampine.com/blake3"

	"github.com/pumas-run/pumas/internal/perrors"
)

// Digests holds the two hex-encoded, lowercase, unprefixed digests computed
// for a file's contents.
type Digests struct {
	SHA256 string
	BLAKE3 string
}

// DualHash computes SHA-256 and BLAKE3 over path in a single streaming
// pass.
func DualHash(path string) (Digests, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from the caller's own library tree
	if err != nil {
		return Digests{}, perrors.Io("hashing.DualHash", path, err)
	}
	defer f.Close()

	sh := sha256.New()
	b3 := blake3.New(32, nil)
	mw := io.MultiWriter(sh, b3)

	if _, err := io.Copy(mw, f); err != nil {
		return Digests{}, perrors.Io("hashing.DualHash", path, err)
	}

	return Digests{
		SHA256: hex.EncodeToString(sh.Sum(nil)),
		BLAKE3: hex.EncodeToString(b3.Sum(nil)),
	}, nil
}

// VerifySHA256 compares the SHA-256 digest of path against expected,
// normalizing away HuggingFace's "sha256:" prefix convention if present.
func VerifySHA256(path, expected string) error {
	d, err := DualHash(path)
	if err != nil {
		return err
	}
	expected = NormalizeHexDigest(expected)
	if d.SHA256 != expected {
		return &perrors.HashMismatch{Expected: expected, Actual: d.SHA256}
	}
	return nil
}

// VerifyBLAKE3 compares the BLAKE3 digest of path against expected.
func VerifyBLAKE3(path, expected string) error {
	d, err := DualHash(path)
	if err != nil {
		return err
	}
	expected = NormalizeHexDigest(expected)
	if d.BLAKE3 != expected {
		return &perrors.HashMismatch{Expected: expected, Actual: d.BLAKE3}
	}
	return nil
}

// NormalizeHexDigest strips HuggingFace's "sha256:" prefix and lowercases
// the digest, producing a bare hex digest without a scheme prefix.
func NormalizeHexDigest(digest string) string {
	const prefix = "sha256:"
	if len(digest) > len(prefix) && asciiEqualFold(digest[:len(prefix)], prefix) {
		digest = digest[len(prefix):]
	}
	return asciiToLower(digest)
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return asciiToLower(a) == asciiToLower(b)
}

func asciiToLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + ('a' - 'A')
		}
	}
	return string(out)
}

// fastHashSampleSize is the number of bytes sampled from the head and tail
// of a file for the fast candidate-filter hash. Files at or below twice
// this size are hashed whole instead of sampled.
const fastHashSampleSize = 8 * 1024 * 1024

// FastHash samples the first and last fastHashSampleSize bytes of path (or
// the whole file if it is at most 2*fastHashSampleSize bytes) and returns a
// hex SHA-256 digest of the sample. It is a candidate filter only — never
// persist this value as a model's canonical hash.
func FastHash(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return "", perrors.Io("hashing.FastHash", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", perrors.Io("hashing.FastHash", path, err)
	}
	size := info.Size()

	h := sha256.New()
	if size <= 2*fastHashSampleSize {
		// Open question: files at or below this threshold (including the
		// common <=16MiB case) are hashed in full rather than sampled.
		if _, err := io.Copy(h, f); err != nil {
			return "", perrors.Io("hashing.FastHash", path, err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	head := make([]byte, fastHashSampleSize)
	if _, err := io.ReadFull(f, head); err != nil {
		return "", perrors.Io("hashing.FastHash", path, err)
	}
	h.Write(head)

	tail := make([]byte, fastHashSampleSize)
	if _, err := f.ReadAt(tail, size-fastHashSampleSize); err != nil {
		return "", perrors.Io("hashing.FastHash", path, err)
	}
	h.Write(tail)

	return hex.EncodeToString(h.Sum(nil)), nil
}
