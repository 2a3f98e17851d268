// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package sessiondata

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSample(t *testing.T, path string) []byte {
	t.Helper()
	f, err := Open(path, ModeAppend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.CreateSet(1, map[string]any{"name": "micrographs"}); err != nil {
		t.Fatalf("CreateSet: %v", err)
	}
	thumb := bytes.Repeat([]byte("thumbnail"), 100)
	for i := 1; i <= 3; i++ {
		attrs := map[string]any{
			"location":      "mic_" + string(rune('0'+i)) + ".mrc",
			"ctfDefocus":    1.5 * float64(i),
			"ctfResolution": 3.0 + float64(i),
			"micThumbData":  thumb,
		}
		if err := f.AddSetItem(1, i, attrs); err != nil {
			t.Fatalf("AddSetItem(%d): %v", i, err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return thumb
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session_000001.cbor")
	thumb := writeSample(t, path)

	f, err := Open(path, ModeRead)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	defer func() { _ = f.Close() }()

	sets := f.GetSets()
	if len(sets) != 1 || sets[0]["id"] != 1 || sets[0]["name"] != "micrographs" {
		t.Fatalf("unexpected sets: %v", sets)
	}
	items, err := f.GetSetItems(1, []string{"ctfDefocus"})
	if err != nil {
		t.Fatalf("GetSetItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if _, ok := items[0]["location"]; ok {
		t.Fatalf("projection should drop location: %v", items[0])
	}
	if items[2]["ctfDefocus"] != 4.5 || items[2]["id"] != 3 {
		t.Fatalf("unexpected item: %v", items[2])
	}

	item, err := f.GetItem(1, 2)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got, ok := item["micThumbData"].([]byte); !ok || !bytes.Equal(got, thumb) {
		t.Fatalf("thumbnail not restored")
	}
	if err := f.AddSetItem(1, 4, nil); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestBlobIsCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cbor")
	writeSample(t, path)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	// Three 900 byte thumbnails stored raw would exceed this.
	if info.Size() > 1500 {
		t.Fatalf("file too large for compressed thumbnails: %d bytes", info.Size())
	}
}

func TestUpdateAndErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cbor")
	writeSample(t, path)

	f, err := Open(path, ModeAppend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.CreateSet(1, nil); !errors.Is(err, ErrSetExists) {
		t.Fatalf("expected ErrSetExists, got %v", err)
	}
	if err := f.AddSetItem(1, 1, nil); !errors.Is(err, ErrItemExists) {
		t.Fatalf("expected ErrItemExists, got %v", err)
	}
	if err := f.UpdateItem(1, 9, map[string]any{"x": 1}); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if err := f.AddSetItem(2, 1, nil); !errors.Is(err, ErrSetNotFound) {
		t.Fatalf("expected ErrSetNotFound, got %v", err)
	}
	if err := f.UpdateItem(1, 1, map[string]any{"ctfDefocus": 2.25}); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.CreateSet(3, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	f, err = Open(path, ModeRead)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	item, err := f.GetItem(1, 1)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item["ctfDefocus"] != 2.25 {
		t.Fatalf("update not persisted: %v", item)
	}
}

func TestOpenModes(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(filepath.Join(dir, "missing.cbor"), ModeRead); err == nil {
		t.Fatalf("read mode should require an existing file")
	}
	if _, err := Open(filepath.Join(dir, "x.cbor"), "x"); err == nil {
		t.Fatalf("expected invalid mode error")
	}

	path := filepath.Join(dir, "data.cbor")
	writeSample(t, path)
	f, err := Open(path, ModeWrite)
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	if len(f.GetSets()) != 0 {
		t.Fatalf("write mode should start empty")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	f, err = Open(path, ModeRead)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	if len(f.GetSets()) != 0 {
		t.Fatalf("file should have been truncated")
	}
}

func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.cbor")
	writeSample(t, path)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Flip a byte inside the payload (the envelope ends with it).
	data[len(data)-5] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Open(path, ModeRead); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}
