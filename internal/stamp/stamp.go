// Package stamp provides file fingerprints and the providers that
// compute them. The engine never interprets a stamp beyond equality:
// two equal stamps mean "unchanged", anything else means "changed".
package stamp

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Kind discriminates how a stamp was produced. Stamps of different
// kinds never compare equal, so switching a provider's strategy
// invalidates everything exactly once.
type Kind string

const (
	// KindHash stamps carry a BLAKE2b-256 digest of the file content.
	KindHash Kind = "hash"
	// KindMtime stamps carry the file's modification time in nanoseconds.
	KindMtime Kind = "mtime"
	// KindAbsent marks a file with no current record, e.g. a deleted
	// source or a product that was never written.
	KindAbsent Kind = "absent"
)

// Stamp is an opaque fingerprint for one file. The zero value is not a
// valid stamp; use Absent for missing files.
type Stamp struct {
	kind  Kind
	value string
}

// Absent returns the stamp for a file that does not exist.
func Absent() Stamp {
	return Stamp{kind: KindAbsent}
}

// FromHash wraps an already-computed hex digest.
func FromHash(digest string) Stamp {
	return Stamp{kind: KindHash, value: digest}
}

// FromMtime wraps a modification time in nanoseconds.
func FromMtime(ns int64) Stamp {
	return Stamp{kind: KindMtime, value: strconv.FormatInt(ns, 10)}
}

// Kind returns the stamp's kind.
func (s Stamp) Kind() Kind {
	return s.kind
}

// IsAbsent reports whether the stamp marks a missing file.
func (s Stamp) IsAbsent() bool {
	return s.kind == KindAbsent || s.kind == ""
}

// String renders the stamp in the stable "kind:value" form used by the
// analysis store and snapshots.
func (s Stamp) String() string {
	if s.IsAbsent() {
		return string(KindAbsent)
	}
	return string(s.kind) + ":" + s.value
}

// Parse reverses String.
func Parse(raw string) (Stamp, error) {
	if raw == string(KindAbsent) || raw == "" {
		return Absent(), nil
	}
	kind, value, ok := strings.Cut(raw, ":")
	if !ok {
		return Stamp{}, fmt.Errorf("malformed stamp %q", raw)
	}
	switch Kind(kind) {
	case KindHash:
		return FromHash(value), nil
	case KindMtime:
		ns, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Stamp{}, fmt.Errorf("malformed mtime stamp %q: %w", raw, err)
		}
		return FromMtime(ns), nil
	default:
		return Stamp{}, fmt.Errorf("unknown stamp kind %q", kind)
	}
}

// HashBytes stamps a byte slice. Used by tests and by in-memory
// providers; file content goes through HashFile to avoid loading large
// files at once.
func HashBytes(data []byte) Stamp {
	sum := blake2b.Sum256(data)
	return FromHash(fmt.Sprintf("%x", sum))
}

// HashFile computes the content stamp of a file on disk.
func HashFile(path string) (Stamp, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stamp{}, err
	}
	defer f.Close() //nolint:errcheck // Best effort cleanup

	h, err := blake2b.New256(nil)
	if err != nil {
		return Stamp{}, err
	}
	if _, err := io.Copy(h, f); err != nil {
		return Stamp{}, err
	}
	return FromHash(fmt.Sprintf("%x", h.Sum(nil))), nil
}

// MtimeFile computes the modification-time stamp of a file on disk.
func MtimeFile(path string) (Stamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stamp{}, err
	}
	return FromMtime(info.ModTime().UnixNano()), nil
}
