// Package artifact reads and writes per-slot trade files.
//
// Raw trades live in <base>/<date>/<slot>.{csv,avro}; priced trades in
// <base>/<date>_processed/<slot>.avro.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"dex-trade-ledger/internal/domain"
)

const processedSuffix = "_processed"

// Layout resolves artifact paths under a base directory.
type Layout struct {
	Base string
}

// RawDir returns the raw directory for a date.
func (l Layout) RawDir(date string) string {
	return filepath.Join(l.Base, date)
}

// RawPath returns the raw artifact path of a slot.
func (l Layout) RawPath(date string, slot uint64, enc domain.Encoding) string {
	return filepath.Join(l.RawDir(date), strconv.FormatUint(slot, 10)+enc.Ext())
}

// ProcessedDir returns the processed directory for a date.
func (l Layout) ProcessedDir(date string) string {
	return filepath.Join(l.Base, date+processedSuffix)
}

// ProcessedPath returns the processed artifact path of a slot.
func (l Layout) ProcessedPath(date string, slot uint64) string {
	return filepath.Join(l.ProcessedDir(date), strconv.FormatUint(slot, 10)+domain.EncodingAvro.Ext())
}

// File is one raw artifact on disk.
type File struct {
	Slot     uint64
	Encoding domain.Encoding
	Path     string
}

// ParseName extracts the slot and encoding from a file name like
// "253000000.avro".
func ParseName(name string) (uint64, domain.Encoding, bool) {
	ext := filepath.Ext(name)
	enc := domain.Encoding(strings.TrimPrefix(ext, "."))
	if !enc.IsValid() {
		return 0, "", false
	}
	slot, err := strconv.ParseUint(strings.TrimSuffix(name, ext), 10, 64)
	if err != nil {
		return 0, "", false
	}
	return slot, enc, true
}

// EncodingOf returns the encoding implied by a path's extension.
func EncodingOf(path string) (domain.Encoding, error) {
	enc := domain.Encoding(strings.TrimPrefix(filepath.Ext(path), "."))
	if !enc.IsValid() {
		return "", fmt.Errorf("%w: unknown encoding for %s", ErrUnparseable, path)
	}
	return enc, nil
}

// ListRaw returns the raw artifacts of a date ordered by slot, then
// encoding. A missing directory yields no files.
func (l Layout) ListRaw(date string) ([]File, error) {
	dir := l.RawDir(date)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read raw dir %s: %w", dir, err)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		slot, enc, ok := ParseName(e.Name())
		if !ok {
			continue
		}
		files = append(files, File{Slot: slot, Encoding: enc, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Slot != files[j].Slot {
			return files[i].Slot < files[j].Slot
		}
		return files[i].Encoding < files[j].Encoding
	})
	return files, nil
}

// Exists reports whether path is an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
