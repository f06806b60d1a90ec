package cache

import (
	"fmt"
	"hash"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// NewHasher returns the hash used for artifact checksums (32-byte BLAKE3).
func NewHasher() hash.Hash {
	return blake3.New(32, nil)
}

// ChecksumFile returns the hex BLAKE3 digest of the file at path.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Checksum(f)
}

// Checksum returns the hex BLAKE3 digest of everything read from r.
func Checksum(r io.Reader) (string, error) {
	h := NewHasher()
	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
