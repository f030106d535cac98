// Package dedupe filters near-duplicate images by perceptual hash.
package dedupe

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"math/bits"
	"sync"

	"github.com/corona10/goimagehash"

	_ "image/jpeg"
	_ "image/png"
)

// Deduper keeps the gradient-family hashes of every accepted image and
// rejects new images within the Hamming-distance threshold. The accepted set
// is a linear scan; runs produce at most a few thousand images.
type Deduper struct {
	mu        sync.Mutex
	side      int
	bits      int
	threshold int
	seen      [][]uint64
}

// New builds a deduper for a square hash grid of bits total bits
// (64 -> 8x8, 256 -> 16x16). threshold is the maximum Hamming distance at
// which two images count as duplicates.
func New(hashBits, threshold int) (*Deduper, error) {
	side := 0
	for s := 8; s*s <= hashBits; s += 8 {
		if s*s == hashBits {
			side = s
			break
		}
	}
	if side == 0 {
		return nil, fmt.Errorf("hash bits must form a byte-aligned square grid, got %d", hashBits)
	}
	return &Deduper{side: side, bits: hashBits, threshold: threshold}, nil
}

// CheckAndInsert decodes imgBytes, hashes it, and scans the accepted set.
// Duplicates are reported and NOT inserted; new hashes are inserted. Returns
// the base64 hash either way. The scan and insert happen under one lock so
// two near-identical images racing each other cannot both be admitted.
func (d *Deduper) CheckAndInsert(imgBytes []byte) (bool, string, error) {
	img, _, err := image.Decode(bytes.NewReader(imgBytes))
	if err != nil {
		return false, "", fmt.Errorf("decode image: %w", err)
	}
	hash, err := goimagehash.ExtDifferenceHash(img, d.side, d.side)
	if err != nil {
		return false, "", fmt.Errorf("hash image: %w", err)
	}
	words := hash.GetHash()
	encoded := encodeHash(words)

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, prev := range d.seen {
		if hamming(words, prev) <= d.threshold {
			return true, encoded, nil
		}
	}
	d.seen = append(d.seen, words)
	return false, encoded, nil
}

// Seed inserts a previously persisted hash (from a manifest entry) without a
// duplicate check. Used when resuming a run.
func (d *Deduper) Seed(encoded string) error {
	words, err := decodeHash(encoded)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, words)
	return nil
}

// Len returns the number of accepted hashes.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func hamming(a, b []uint64) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += bits.OnesCount64(a[i] ^ b[i])
	}
	for i := n; i < len(a); i++ {
		dist += bits.OnesCount64(a[i])
	}
	for i := n; i < len(b); i++ {
		dist += bits.OnesCount64(b[i])
	}
	return dist
}

func encodeHash(words []uint64) string {
	buf := make([]byte, 8*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint64(buf[8*i:], w)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeHash(s string) ([]uint64, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hash: %w", err)
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("decode hash: length %d not word-aligned", len(buf))
	}
	words := make([]uint64, len(buf)/8)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(buf[8*i:])
	}
	return words, nil
}
