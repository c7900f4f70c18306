package hash

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Size is the length in hex characters of a content id.
const Size = blake2b.Size256 * 2

// Content returns the content-derived id of data.
func Content(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reader hashes r to EOF and returns the id and the number of bytes read.
func Reader(r io.Reader) (string, int64, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create hasher: %w", err)
	}

	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to hash content: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Valid reports whether id looks like a content id.
func Valid(id string) bool {
	if len(id) != Size {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
