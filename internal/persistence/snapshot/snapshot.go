// Package snapshot writes and reads point-in-time copies of all progress as
// zstd(JSON header line + gob body).
package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"vexa.gg/parkour/internal/parkour/progress"
)

const (
	Version    = 1
	filePrefix = "progress-"
	fileSuffix = ".snap.zst"
)

type Header struct {
	Version       int       `json:"version"`
	TakenAt       time.Time `json:"taken_at"`
	CatalogDigest string    `json:"catalog_digest,omitempty"`
	Players       int       `json:"players"`
	Completions   int       `json:"completions"`
	Authors       int       `json:"authors"`
}

type SnapshotV1 struct {
	Header   Header
	Progress progress.Dataset
}

func New(ds progress.Dataset, catalogDigest string, takenAt time.Time) SnapshotV1 {
	return SnapshotV1{
		Header: Header{
			Version:       Version,
			TakenAt:       takenAt.UTC(),
			CatalogDigest: catalogDigest,
			Players:       len(ds.Players),
			Completions:   len(ds.Completions),
			Authors:       len(ds.Authors),
		},
		Progress: ds,
	}
}

// WriteSnapshot writes to a temp file beside path and renames it into place,
// so readers never observe a torn snapshot.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header; the line exists for cheap inspection.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return SnapshotV1{}, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// FileName names a snapshot so lexical order is time order.
func FileName(takenAt time.Time) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, takenAt.UTC().UnixMilli(), fileSuffix)
}

// Write stores ds in dir and returns the file path.
func Write(dir string, ds progress.Dataset, catalogDigest string, takenAt time.Time) (string, error) {
	path := filepath.Join(dir, FileName(takenAt))
	if err := WriteSnapshot(path, New(ds, catalogDigest, takenAt)); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// List returns snapshot files in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the newest snapshot in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	files, err := List(dir)
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[len(files)-1], nil
}

// Prune keeps the newest keep snapshots and removes the rest.
func Prune(dir string, keep int) ([]string, error) {
	files, err := List(dir)
	if err != nil {
		return nil, err
	}
	if keep < 1 {
		keep = 1
	}
	if len(files) <= keep {
		return nil, nil
	}
	var removed []string
	for _, p := range files[:len(files)-keep] {
		if err := os.Remove(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// Loader reads progress from one snapshot file.
type Loader struct {
	Path string
}

func (l Loader) LoadProgress(ctx context.Context) (progress.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return progress.Dataset{}, err
	}
	snap, err := ReadSnapshot(l.Path)
	if err != nil {
		return progress.Dataset{}, err
	}
	return snap.Progress, nil
}
