// Package storage keeps recorded trace events on disk.
//
// A recording is a directory of lz4 compressed block files plus a msgpack
// manifest describing them. Blocks are written in order and never
// rewritten; the manifest is replaced atomically after every block so a
// recording that was cut short stays readable up to its last block.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// ManifestFile is the name of the manifest inside a recording.
	ManifestFile = "manifest.mp"

	// DefaultBlockSize is the uncompressed size at which a block is sealed.
	DefaultBlockSize = 4 << 20

	manifestSchema uint16 = 1
)

var (
	// ErrNoManifest is returned by Open for a directory that holds no
	// recording.
	ErrNoManifest = errors.New("storage: no manifest")

	// ErrChecksum is returned when a block does not match its manifest
	// entry.
	ErrChecksum = errors.New("storage: checksum mismatch")
)

// Record is one stored event.
type Record struct {
	Counter     uint64
	TimestampNs int64
	Data        []byte
}

// Block describes one sealed block file.
type Block struct {
	File     string `msgpack:"file"`
	Count    uint32 `msgpack:"count"`
	MinTs    int64  `msgpack:"min_ts"`
	MaxTs    int64  `msgpack:"max_ts"`
	Size     int64  `msgpack:"size"`
	Checksum uint64 `msgpack:"checksum"`
}

// Manifest lists the blocks of a recording in write order.
type Manifest struct {
	Schema uint16  `msgpack:"schema"`
	Blocks []Block `msgpack:"blocks"`
}

// Records is the number of records across all blocks.
func (m *Manifest) Records() int {
	n := 0
	for _, b := range m.Blocks {
		n += int(b.Count)
	}
	return n
}

func blockName(seq int) string {
	return fmt.Sprintf("block-%06d.inspector", seq)
}

func writeManifest(dir string, m *Manifest) error {
	f, err := os.CreateTemp(dir, "manifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := msgpack.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), filepath.Join(dir, ManifestFile))
}

func readManifest(dir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoManifest, dir)
		}
		return nil, err
	}
	defer f.Close()

	m := &Manifest{}
	if err := msgpack.NewDecoder(f).Decode(m); err != nil {
		return nil, fmt.Errorf("storage: reading manifest: %w", err)
	}
	if m.Schema != manifestSchema {
		return nil, fmt.Errorf("storage: unsupported manifest schema %d", m.Schema)
	}
	return m, nil
}
