// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sessiondata stores the image processing results of a session
// (sets of micrographs with CTF values, thumbnails, ...) in a single file.
//
// The file is a CBOR envelope holding a CBOR payload and the BLAKE3 digest
// of that payload. Binary attributes are stored LZ4 compressed. Changes are
// kept in memory and written atomically on Close.
package sessiondata

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Open modes.
const (
	ModeRead   = "r"
	ModeAppend = "a"
	ModeWrite  = "w"
)

const formatVersion = 1

var (
	ErrReadOnly     = errors.New("session data opened read-only")
	ErrClosed       = errors.New("session data is closed")
	ErrSetExists    = errors.New("set already exists")
	ErrSetNotFound  = errors.New("set not found")
	ErrItemExists   = errors.New("item already exists")
	ErrItemNotFound = errors.New("item not found")
	ErrChecksum     = errors.New("session data checksum mismatch")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sessiondata: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("sessiondata: CBOR decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	Version  int    `cbor:"1,keyasint"`
	Checksum []byte `cbor:"2,keyasint"`
	Payload  []byte `cbor:"3,keyasint"`
}

// blob is a binary attribute. Data is LZ4 block compressed when Compressed
// is set; Size is the uncompressed length.
type blob struct {
	Size       int    `cbor:"1,keyasint"`
	Compressed bool   `cbor:"2,keyasint"`
	Data       []byte `cbor:"3,keyasint"`
}

type item struct {
	ID    int             `cbor:"id"`
	Attrs map[string]any  `cbor:"attrs"`
	Blobs map[string]blob `cbor:"blobs,omitempty"`
}

type set struct {
	ID    int            `cbor:"id"`
	Attrs map[string]any `cbor:"attrs"`
	Items []*item        `cbor:"items"`
}

type document struct {
	Sets []*set `cbor:"sets"`
}

// File is an open session data file. Its methods may be called from several
// goroutines. Two handles on the same path are independent: the last Close
// wins, so writers of one file must be serialized by the caller.
type File struct {
	mu     sync.Mutex
	path   string
	mode   string
	doc    document
	closed bool
}

// Open opens the data file at path. Mode "r" requires the file to exist and
// rejects writes; "a" loads the file when present and creates it otherwise;
// "w" starts empty, replacing any previous content on Close.
func Open(path, mode string) (*File, error) {
	f := &File{path: path, mode: mode}
	switch mode {
	case ModeRead, ModeAppend:
		data, err := os.ReadFile(path)
		if err != nil {
			if mode == ModeAppend && errors.Is(err, os.ErrNotExist) {
				return f, nil
			}
			return nil, fmt.Errorf("open session data: %w", err)
		}
		if err := decode(data, &f.doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case ModeWrite:
	default:
		return nil, fmt.Errorf("invalid session data mode %q", mode)
	}
	return f, nil
}

func decode(data []byte, doc *document) error {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version > formatVersion {
		return fmt.Errorf("unsupported session data version %d", env.Version)
	}
	sum := blake3.Sum256(env.Payload)
	if !bytes.Equal(sum[:], env.Checksum) {
		return ErrChecksum
	}
	if err := decMode.Unmarshal(env.Payload, doc); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Mode returns the open mode.
func (f *File) Mode() string { return f.mode }

func (f *File) writable() error {
	if f.closed {
		return ErrClosed
	}
	if f.mode == ModeRead {
		return ErrReadOnly
	}
	return nil
}

func (f *File) findSet(id int) *set {
	for _, s := range f.doc.Sets {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (s *set) findItem(id int) *item {
	for _, it := range s.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// CreateSet adds a new set of items.
func (f *File) CreateSet(setID int, attrs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writable(); err != nil {
		return err
	}
	if f.findSet(setID) != nil {
		return fmt.Errorf("%w: %d", ErrSetExists, setID)
	}
	f.doc.Sets = append(f.doc.Sets, &set{ID: setID, Attrs: copyAttrs(attrs)})
	return nil
}

// AddSetItem adds a new item to an existing set.
func (f *File) AddSetItem(setID, itemID int, attrs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writable(); err != nil {
		return err
	}
	s := f.findSet(setID)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrSetNotFound, setID)
	}
	if s.findItem(itemID) != nil {
		return fmt.Errorf("%w: %d in set %d", ErrItemExists, itemID, setID)
	}
	it := &item{ID: itemID, Attrs: map[string]any{}}
	if err := it.set(attrs); err != nil {
		return err
	}
	s.Items = append(s.Items, it)
	return nil
}

// UpdateItem merges attrs into an existing item.
func (f *File) UpdateItem(setID, itemID int, attrs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writable(); err != nil {
		return err
	}
	s := f.findSet(setID)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrSetNotFound, setID)
	}
	it := s.findItem(itemID)
	if it == nil {
		return fmt.Errorf("%w: %d in set %d", ErrItemNotFound, itemID, setID)
	}
	return it.set(attrs)
}

func (it *item) set(attrs map[string]any) error {
	if it.Attrs == nil {
		it.Attrs = map[string]any{}
	}
	for k, v := range attrs {
		raw, ok := v.([]byte)
		if !ok {
			delete(it.Blobs, k)
			it.Attrs[k] = v
			continue
		}
		b, err := packBlob(raw)
		if err != nil {
			return fmt.Errorf("attribute %s: %w", k, err)
		}
		if it.Blobs == nil {
			it.Blobs = map[string]blob{}
		}
		delete(it.Attrs, k)
		it.Blobs[k] = b
	}
	return nil
}

func packBlob(raw []byte) (blob, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil {
		return blob{}, fmt.Errorf("lz4 compress: %w", err)
	}
	// Incompressible data is kept as is.
	if n == 0 || n >= len(raw) {
		return blob{Size: len(raw), Data: append([]byte(nil), raw...)}, nil
	}
	return blob{Size: len(raw), Compressed: true, Data: dst[:n]}, nil
}

func (b blob) unpack() ([]byte, error) {
	if !b.Compressed {
		return b.Data, nil
	}
	dst := make([]byte, b.Size)
	n, err := lz4.UncompressBlock(b.Data, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != b.Size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, b.Size)
	}
	return dst, nil
}

// GetSets returns the attributes of every set plus its "id", in creation order.
func (f *File) GetSets() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.doc.Sets))
	for _, s := range f.doc.Sets {
		m := copyAttrs(s.Attrs)
		m["id"] = s.ID
		out = append(out, m)
	}
	return out
}

// GetSetItems returns the items of a set with their "id". attrList limits
// the returned attributes; an empty list returns all of them.
func (f *File) GetSetItems(setID int, attrList []string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.findSet(setID)
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrSetNotFound, setID)
	}
	out := make([]map[string]any, 0, len(s.Items))
	for _, it := range s.Items {
		m, err := it.project(attrList)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", it.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetItem returns every attribute of one item.
func (f *File) GetItem(setID, itemID int) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.findSet(setID)
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrSetNotFound, setID)
	}
	it := s.findItem(itemID)
	if it == nil {
		return nil, fmt.Errorf("%w: %d in set %d", ErrItemNotFound, itemID, setID)
	}
	return it.project(nil)
}

func (it *item) project(attrList []string) (map[string]any, error) {
	m := map[string]any{"id": it.ID}
	want := func(k string) bool { return true }
	if len(attrList) > 0 {
		keys := make(map[string]bool, len(attrList))
		for _, k := range attrList {
			keys[k] = true
		}
		want = func(k string) bool { return keys[k] }
	}
	for k, v := range it.Attrs {
		if want(k) {
			m[k] = v
		}
	}
	for k, b := range it.Blobs {
		if !want(k) {
			continue
		}
		raw, err := b.unpack()
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		m[k] = raw
	}
	return m, nil
}

// Close writes the file (unless read-only) and releases the handle. The
// content is written to a temporary file that replaces path on success.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.mode == ModeRead {
		return nil
	}
	for _, s := range f.doc.Sets {
		sort.SliceStable(s.Items, func(i, j int) bool { return s.Items[i].ID < s.Items[j].ID })
	}
	payload, err := encMode.Marshal(&f.doc)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	sum := blake3.Sum256(payload)
	data, err := encMode.Marshal(&envelope{Version: formatVersion, Checksum: sum[:], Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return writeAtomic(f.path, data)
}

// Discard releases the handle without writing pending changes.
func (f *File) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

func copyAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
