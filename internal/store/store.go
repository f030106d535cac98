// Package store persists artifacts, sidecars, and the run manifest. Every
// file lands via a same-directory temp file and rename so a crash never
// leaves a partial artifact under its final name.
package store

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

const ManifestName = "manifest.jsonl"

// ManifestEntry is one line of manifest.jsonl, appended only after the
// artifact and its sidecar are durably on disk.
type ManifestEntry struct {
	ID         int     `json:"id"`
	RunID      string  `json:"run_id"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	Prompt     string  `json:"prompt"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	CreatedAt  string  `json:"created_at"`
	CostUSD    float64 `json:"cost_usd"`
	PHash      string  `json:"phash,omitempty"`
	ChecksumB3 string  `json:"checksum_b3"`
	Path       string  `json:"path"`
}

// Sidecar is the per-image JSON written next to the artifact. It carries the
// manifest fields plus the prompt provenance.
type Sidecar struct {
	ManifestEntry
	OriginalPrompt  string `json:"original_prompt"`
	RewrittenPrompt string `json:"rewritten_prompt,omitempty"`
}

// Stem returns the shared filename stem for an artifact and its companions.
func Stem(id int, provider, model string) string {
	return fmt.Sprintf("%08d-%s-%s", id, provider, model)
}

// Checksum returns the lowercase hex BLAKE3 digest of b.
func Checksum(b []byte) string {
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// WriteAtomic writes b to path via a temp file in the same directory and a
// rename. The fsync before rename is best-effort.
func WriteAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Artifact bundles everything SaveArtifact persists for one image.
type Artifact struct {
	Image   []byte
	Thumb   []byte // nil when thumbnails are off
	Ext     string // "png" or "jpg"
	Sidecar Sidecar
}

// SaveArtifact writes the image, optional thumbnail, and sidecar into dir,
// each atomically, and returns the manifest entry with Path and ChecksumB3
// filled in. The manifest line itself is the caller's job.
func SaveArtifact(dir string, a Artifact) (ManifestEntry, error) {
	stem := Stem(a.Sidecar.ID, a.Sidecar.Provider, a.Sidecar.Model)
	imgName := stem + "." + a.Ext

	entry := a.Sidecar.ManifestEntry
	entry.Path = imgName
	entry.ChecksumB3 = Checksum(a.Image)
	a.Sidecar.ManifestEntry = entry

	if err := WriteAtomic(filepath.Join(dir, imgName), a.Image); err != nil {
		return ManifestEntry{}, fmt.Errorf("write image: %w", err)
	}
	if a.Thumb != nil {
		if err := WriteAtomic(filepath.Join(dir, stem+"_thumb.png"), a.Thumb); err != nil {
			return ManifestEntry{}, fmt.Errorf("write thumbnail: %w", err)
		}
	}
	sidecarJSON, err := json.MarshalIndent(a.Sidecar, "", "  ")
	if err != nil {
		return ManifestEntry{}, err
	}
	if err := WriteAtomic(filepath.Join(dir, stem+".json"), sidecarJSON); err != nil {
		return ManifestEntry{}, fmt.Errorf("write sidecar: %w", err)
	}
	return entry, nil
}

// ManifestWriter appends entries to manifest.jsonl, one JSON object per line.
type ManifestWriter struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func OpenManifest(dir string) (*ManifestWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, ManifestName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &ManifestWriter{f: f, path: path}, nil
}

func (w *ManifestWriter) Path() string { return w.path }

// Append writes one manifest line and syncs it.
func (w *ManifestWriter) Append(e ManifestEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.f, "%s\n", line); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *ManifestWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadManifest parses every well-formed line of a manifest file. A missing
// file yields an empty slice.
func ReadManifest(path string) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []ManifestEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e ManifestEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ResumeState inspects an output directory's manifest and reports how many
// images are already complete and the next free id. A missing manifest means
// a fresh run.
func ResumeState(dir string) (completed int, nextID int, entries []ManifestEntry, err error) {
	entries, err = ReadManifest(filepath.Join(dir, ManifestName))
	if err != nil {
		return 0, 1, nil, err
	}
	maxID := 0
	for _, e := range entries {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	return len(entries), maxID + 1, entries, nil
}
