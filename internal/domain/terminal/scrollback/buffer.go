// Package scrollback keeps a bounded tail of a terminal's raw output and
// persists it to a zstd-compressed side file across detach and restart.
//
// Append only touches memory. Disk is written by Save, which callers invoke
// on detach and shutdown.
package scrollback

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxBytes is the retained size when none is configured.
const DefaultMaxBytes = 256 * 1024

// maxDecodedBytes bounds what Load will inflate from a side file.
const maxDecodedBytes = 64 << 20

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecodedBytes))
)

// Buffer is a size-bounded byte log. It is safe for concurrent use.
type Buffer struct {
	path string
	max  int

	mu    sync.Mutex
	data  []byte
	dirty bool
}

// New returns an empty buffer persisted at path and bounded to max bytes.
func New(path string, max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	return &Buffer{path: path, max: max}
}

// Path returns the side file location.
func Path(dir, terminalID string) string {
	return filepath.Join(dir, terminalID+".buf")
}

// Append adds p to the end of the buffer, evicting the oldest bytes when
// the bound is exceeded.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.max {
		b.data = append(b.data[:0], trimLeading(p[len(p)-b.max:])...)
	} else {
		b.data = append(b.data, p...)
		if over := len(b.data) - b.max; over > 0 {
			n := copy(b.data, trimLeading(b.data[over:]))
			b.data = b.data[:n]
		}
	}
	b.dirty = true
}

// Contents returns a copy of the retained bytes.
func (b *Buffer) Contents() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Dirty reports whether there are appends not yet saved.
func (b *Buffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// Save writes the buffer to its side file if it changed since the last
// Save or Load. The file is replaced atomically.
func (b *Buffer) Save() error {
	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	compressed := encoder.EncodeAll(b.data, nil)
	b.mu.Unlock()

	if err := writeAtomic(b.path, compressed); err != nil {
		return fmt.Errorf("failed to save scrollback: %w", err)
	}

	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()
	return nil
}

// Load replaces the in-memory contents with the side file. A missing file
// leaves the buffer unchanged.
func (b *Buffer) Load() error {
	compressed, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read scrollback: %w", err)
	}

	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("failed to decode scrollback %s: %w", b.path, err)
	}
	if len(data) > b.max {
		data = trimLeading(data[len(data)-b.max:])
	}

	b.mu.Lock()
	b.data = data
	b.dirty = false
	b.mu.Unlock()
	return nil
}

// Delete removes the side file and clears the buffer.
func (b *Buffer) Delete() error {
	b.mu.Lock()
	b.data = nil
	b.dirty = false
	b.mu.Unlock()

	if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete scrollback: %w", err)
	}
	return nil
}

// trimLeading drops UTF-8 continuation bytes left at the front after a cut,
// so replay never starts mid-rune.
func trimLeading(p []byte) []byte {
	i := 0
	for i < len(p) && i < utf8.UTFMax && !utf8.RuneStart(p[i]) {
		i++
	}
	return p[i:]
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
