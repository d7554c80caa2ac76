// Package dataset builds content-hashed, leak-free dataset manifests and
// feature windows for training/backtest jobs. The content hash is computed
// the way the control plane's own config store versions configuration:
// SHA-256 over canonical JSON combined with per-file stat tuples.
package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Manifest is the content-addressed description of an input slice.
type Manifest struct {
	Symbols     []string          `json:"symbols"`
	Interval    string            `json:"interval"`
	Adjusted    bool              `json:"adjusted"`
	Start       string            `json:"start"`
	End         string            `json:"end"`
	Vendor      string            `json:"vendor"`
	ParquetMap  map[string]string `json:"parquet_map"`
	ContentHash string            `json:"content_hash"`
}

// Request describes the inputs needed to build or reload a Manifest.
type Request struct {
	Symbols  []string
	Interval string
	Adjusted bool
	Start    string
	End      string
	Vendor   string
}

// fileStat is the (path, size, mtime_seconds) tuple folded into the hash.
type fileStat struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	MtimeSeconds int64  `json:"mtime_seconds"`
}

// CacheFileName returns the deterministic cache file name for one symbol
// slice, encoding (symbol, interval, adjusted, start, end).
func CacheFileName(symbol, interval string, adjusted bool, start, end string) string {
	return fmt.Sprintf("%s_%s_%s_%s_adj%v.ohlcv.jsonl", symbol, interval, start, end, adjusted)
}

// Builder materializes cached OHLCV slices via a Source, then assembles and
// hashes the resulting Manifest.
type Builder struct {
	cacheDir string
	source   Source
}

func NewBuilder(cacheDir string, source Source) *Builder {
	return &Builder{cacheDir: cacheDir, source: source}
}

// Build ensures each symbol's cache file exists (materializing it from the
// Source if missing — idempotent), then computes the manifest and its hash.
func (b *Builder) Build(req Request) (*Manifest, error) {
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("dataset: symbols must not be empty")
	}
	if err := os.MkdirAll(b.cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("dataset: create cache dir: %w", err)
	}

	symbols := append([]string(nil), req.Symbols...)
	sort.Strings(symbols)

	parquetMap := make(map[string]string, len(symbols))
	stats := make([]fileStat, 0, len(symbols))

	for _, symbol := range symbols {
		fileName := CacheFileName(symbol, req.Interval, req.Adjusted, req.Start, req.End)
		path := filepath.Join(b.cacheDir, fileName)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			bars, err := b.source.Fetch(symbol, req.Interval, req.Adjusted, req.Start, req.End)
			if err != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("dataset: fetch %s: %w", symbol, err)
			}
			if err := writeBarsJSONL(path, bars); err != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("dataset: write cache for %s: %w", symbol, err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("dataset: stat cache for %s: %w", symbol, err)
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("dataset: stat cache for %s: %w", symbol, err)
		}
		parquetMap[symbol] = path
		stats = append(stats, fileStat{Path: path, Size: info.Size(), MtimeSeconds: info.ModTime().Unix()})
	}

	m := &Manifest{
		Symbols:    symbols,
		Interval:   req.Interval,
		Adjusted:   req.Adjusted,
		Start:      req.Start,
		End:        req.End,
		Vendor:     req.Vendor,
		ParquetMap: parquetMap,
	}
	hash, err := contentHash(m, stats)
	if err != nil {
		return nil, err
	}
	m.ContentHash = hash
	return m, nil
}

// contentHash is SHA-256 over canonical JSON of the manifest fields
// (excluding ContentHash itself) combined with the per-file stat tuples,
// matching 4.2's algorithm exactly: hashing mtime truncated to whole
// seconds is a known sharp edge (filesystem-dependent), retained per
// SPEC_FULL.md's Open Question decision rather than switched to content
// hashing.
func contentHash(m *Manifest, stats []fileStat) (string, error) {
	type hashable struct {
		Symbols    []string          `json:"symbols"`
		Interval   string            `json:"interval"`
		Adjusted   bool              `json:"adjusted"`
		Start      string            `json:"start"`
		End        string            `json:"end"`
		Vendor     string            `json:"vendor"`
		ParquetMap map[string]string `json:"parquet_map"`
		Files      []fileStat        `json:"files"`
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Path < stats[j].Path })
	h := hashable{
		Symbols:    m.Symbols,
		Interval:   m.Interval,
		Adjusted:   m.Adjusted,
		Start:      m.Start,
		End:        m.End,
		Vendor:     m.Vendor,
		ParquetMap: m.ParquetMap,
		Files:      stats,
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("dataset: canonical json: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Reopen recomputes the hash of an on-disk manifest's referenced files and
// compares it to the persisted hash, surfacing configuration drift.
func Reopen(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("dataset: parse manifest: %w", err)
	}
	stats := make([]fileStat, 0, len(m.ParquetMap))
	for _, p := range m.ParquetMap {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("dataset: stat %s: %w", p, err)
		}
		stats = append(stats, fileStat{Path: p, Size: info.Size(), MtimeSeconds: info.ModTime().Unix()})
	}
	recomputed, err := contentHash(&m, stats)
	if err != nil {
		return nil, err
	}
	if recomputed != m.ContentHash {
		return nil, fmt.Errorf("dataset: manifest hash mismatch (configuration drift): have %s want %s", recomputed, m.ContentHash)
	}
	return &m, nil
}

// Persist writes the manifest as JSON to path.
func Persist(path string, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
