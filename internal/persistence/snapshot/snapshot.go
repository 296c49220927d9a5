package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"questforge/internal/state"
)

// A snapshot file is a zstd stream holding one JSON header line followed by
// the canonical JSON of the full session state. The header is enough to list
// and pick snapshots without decoding the state payload.

const FormatVersion = 1

type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Turn      uint64 `json:"turn"`
	Algorithm string `json:"checksum_algorithm"`
	Checksum  string `json:"checksum"`
}

// Write stores a session state snapshot at path, creating parent dirs.
func Write(path, sessionID string, turn uint64, tree any) error {
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

	payload, err := state.CanonicalJSON(tree)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	checksum, err := state.Digest(tree)
	if err != nil {
		return err
	}
	hb, _ := json.Marshal(Header{
		Version:   FormatVersion,
		SessionID: sessionID,
		Turn:      turn,
		Algorithm: state.DigestAlgorithm,
		Checksum:  checksum,
	})
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	return nil
}

// Read loads a snapshot file and verifies its checksum.
func Read(path string) (Header, any, error) {
	var hdr Header
	f, err := os.Open(path)
	if err != nil {
		return hdr, nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return hdr, nil, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return hdr, nil, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.Version != FormatVersion {
		return hdr, nil, fmt.Errorf("unsupported snapshot version %d", hdr.Version)
	}

	var raw any
	if err := json.NewDecoder(br).Decode(&raw); err != nil {
		return hdr, nil, fmt.Errorf("decode state: %w", err)
	}
	tree, err := state.Normalize(raw)
	if err != nil {
		return hdr, nil, fmt.Errorf("normalize state: %w", err)
	}
	if hdr.Checksum != "" {
		got, err := state.Digest(tree)
		if err != nil {
			return hdr, nil, err
		}
		if got != hdr.Checksum {
			return hdr, nil, fmt.Errorf("snapshot checksum mismatch: header %s, computed %s", hdr.Checksum, got)
		}
	}
	return hdr, tree, nil
}

// PathFor names the snapshot file for a turn inside a session directory.
func PathFor(sessionDir string, turn uint64) string {
	return filepath.Join(sessionDir, "snapshots", fmt.Sprintf("turn-%09d.snap.zst", turn))
}

// Latest returns the snapshot file with the highest turn in a session
// directory, or "" when none exist.
func Latest(sessionDir string) string {
	dir := filepath.Join(sessionDir, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".snap.zst") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1])
}
