// Package snapshot persists the stage's reconciled object collection so a
// restarted server can rebuild its scene without waiting for the next STATE.
//
// File layout: zstd stream containing a one-line JSON header (inspectable
// with zstdcat | head -1) followed by the gob-encoded snapshot body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version int    `json:"version"`
	StageID string `json:"stage_id"`
	Pass    uint64 `json:"pass"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Objects []ObjectV1 `json:"objects"`
}

type ObjectV1 struct {
	Key    string     `json:"key"`
	Kind   string     `json:"kind"`
	Pos    [3]float64 `json:"pos"`
	Yaw    float64    `json:"yaw,omitempty"`
	Scale  float64    `json:"scale,omitempty"`
	Color  string     `json:"color,omitempty"`
	Label  string     `json:"label,omitempty"`
	Hidden bool       `json:"hidden,omitempty"`
}

// Filename returns the canonical snapshot file name for a pass.
func Filename(pass uint64) string {
	return fmt.Sprintf("pass_%012d.snap.zst", pass)
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
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

	// Skip the header line; gob carries the header too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// FindLatest returns the snapshot file with the highest pass number in dir,
// or "" when none exist.
func FindLatest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, "pass_") && strings.HasSuffix(n, ".snap.zst") {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
