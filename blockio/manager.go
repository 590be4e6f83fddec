// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/sframe/flextype"
	"github.com/grailbio/sframe/sframeconfig"
	"github.com/grailbio/sframe/stats"
)

// A ColumnAddress is an opaque handle to a column of an open segment
// file, returned by Manager.OpenColumn.
type ColumnAddress struct {
	seg *segmentFile
	col int
}

// Path returns the segment file reference ("<path>:<column>") of the
// address.
func (a ColumnAddress) Path() string {
	return SegmentRef(a.seg.path, a.col)
}

// Block returns the address of block i of the column.
func (a ColumnAddress) Block(i int) BlockAddress {
	return BlockAddress{a, i}
}

// A BlockAddress identifies a single block of an open column.
type BlockAddress struct {
	ColumnAddress
	Index int
}

// segmentFile is an open segment file shared by every column address
// that refers to it.
type segmentFile struct {
	id    uint64
	path  string
	index [][]BlockInfo
	// opens counts the column addresses referring to the file.
	opens int

	// mu serializes reads, which share the file's seek pointer.
	mu sync.Mutex
	f  file.File
}

// Manager manages the segment files of an sframe session: it opens
// and closes them, reads and caches their blocks, and tracks the
// lifetime of files shared among columns, deleting temporary files
// once they are no longer referenced. A Manager is safe for
// concurrent use.
type Manager struct {
	cfg   *sframeconfig.Config
	stats *stats.Map
	cache *blockCache

	mu      sync.Mutex
	files   map[string]*segmentFile
	nextID  uint64
	refs    map[string]int
	temp    map[string]bool
	tempDir string
	ntemp   int
	closed  bool

	blocksRead, bytesRead       *stats.Int
	blocksWritten, bytesWritten *stats.Int
}

// NewManager returns a new manager configured by cfg. If cfg is nil,
// the default configuration is used.
func NewManager(cfg *sframeconfig.Config) *Manager {
	if cfg == nil {
		cfg = sframeconfig.Default()
	}
	m := &Manager{
		cfg:   cfg,
		stats: stats.NewMap(),
		files: make(map[string]*segmentFile),
		refs:  make(map[string]int),
		temp:  make(map[string]bool),
	}
	m.cache = newBlockCache(cfg.BlockCacheBytes, m.stats)
	m.blocksRead = m.stats.Int("blocks.read")
	m.bytesRead = m.stats.Int("read.bytes")
	m.blocksWritten = m.stats.Int("blocks.written")
	m.bytesWritten = m.stats.Int("write.bytes")
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() *sframeconfig.Config { return m.cfg }

// Stats returns a snapshot of the manager's I/O counters.
func (m *Manager) Stats() stats.Values { return m.stats.Snapshot() }

// StatsMap returns the manager's counter collection, so that other
// components of a session may account into it.
func (m *Manager) StatsMap() *stats.Map { return m.stats }

// SegmentRef returns the reference to column col of the segment file
// at path.
func SegmentRef(path string, col int) string {
	return path + ":" + strconv.Itoa(col)
}

// ParseSegmentRef parses a segment file reference of the form
// "<path>:<column>".
func ParseSegmentRef(ref string) (path string, col int, err error) {
	i := strings.LastIndexByte(ref, ':')
	if i < 0 {
		return "", 0, errors.E(errors.Invalid, fmt.Sprintf("blockio: invalid segment reference %q", ref))
	}
	col, err = strconv.Atoi(ref[i+1:])
	if err != nil || col < 0 {
		return "", 0, errors.E(errors.Invalid, fmt.Sprintf("blockio: invalid segment reference %q", ref))
	}
	return ref[:i], col, nil
}

// OpenColumn opens the column referenced by segmentRef
// ("<path>:<column>"). The underlying file is opened once and shared
// by all addresses referring to it. OpenColumn fails if the file is
// missing or unreadable, or if its footer is corrupt.
func (m *Manager) OpenColumn(ctx context.Context, segmentRef string) (ColumnAddress, error) {
	path, col, err := ParseSegmentRef(segmentRef)
	if err != nil {
		return ColumnAddress{}, err
	}
	m.mu.Lock()
	must.True(!m.closed, "blockio: manager closed")
	seg := m.files[path]
	if seg != nil {
		seg.opens++
		m.mu.Unlock()
		return m.checkColumn(seg, col)
	}
	m.mu.Unlock()

	f, err := file.Open(ctx, path)
	if err != nil {
		if os.IsNotExist(err) {
			err = errors.E(errors.NotExist, err)
		}
		return ColumnAddress{}, errors.E(err, fmt.Sprintf("blockio: open segment %s", path))
	}
	index, err := readFooter(f.Reader(ctx))
	if err != nil {
		if cerr := f.Close(ctx); cerr != nil {
			log.Error.Printf("blockio: close %s: %v", path, cerr)
		}
		return ColumnAddress{}, errors.E(err, fmt.Sprintf("blockio: read footer of %s", path))
	}

	m.mu.Lock()
	// Another caller may have opened the file concurrently.
	if other := m.files[path]; other != nil {
		other.opens++
		m.mu.Unlock()
		if cerr := f.Close(ctx); cerr != nil {
			log.Error.Printf("blockio: close %s: %v", path, cerr)
		}
		return m.checkColumn(other, col)
	}
	m.nextID++
	seg = &segmentFile{id: m.nextID, path: path, index: index, opens: 1, f: f}
	m.files[path] = seg
	m.mu.Unlock()
	return m.checkColumn(seg, col)
}

func (m *Manager) checkColumn(seg *segmentFile, col int) (ColumnAddress, error) {
	addr := ColumnAddress{seg, col}
	if col >= len(seg.index) {
		m.CloseColumn(addr)
		return ColumnAddress{}, errors.E(errors.Invalid,
			fmt.Sprintf("blockio: column %d out of range; segment file %s has %d columns", col, seg.path, len(seg.index)))
	}
	return addr, nil
}

// NumBlocksInColumn returns the number of blocks in the column.
func (m *Manager) NumBlocksInColumn(addr ColumnAddress) int {
	return len(addr.seg.index[addr.col])
}

// BlockInfo returns the metadata of the addressed block.
func (m *Manager) BlockInfo(addr BlockAddress) BlockInfo {
	return addr.seg.index[addr.col][addr.Index]
}

// ColumnBlocks returns the metadata of every block in the column. The
// returned slice must not be modified.
func (m *Manager) ColumnBlocks(addr ColumnAddress) []BlockInfo {
	return addr.seg.index[addr.col]
}

// ReadTypedBlock reads, verifies, and decodes the addressed block,
// appending its values to buf[:0]. Decoded blocks are cached.
// ReadTypedBlock is safe for concurrent use.
func (m *Manager) ReadTypedBlock(ctx context.Context, addr BlockAddress, buf []flextype.Value) ([]flextype.Value, error) {
	key := cacheKey{addr.seg.id, addr.col, addr.Index}
	if values, ok := m.cache.Get(key); ok {
		return append(buf[:0], values...), nil
	}
	info := m.BlockInfo(addr)
	p := make([]byte, info.Size)
	seg := addr.seg
	seg.mu.Lock()
	// The file is shared by callers with different lifetimes, so each
	// read gets a reader bound to its own context.
	r := seg.f.Reader(ctx)
	_, err := r.Seek(info.Offset, io.SeekStart)
	if err == nil {
		_, err = io.ReadFull(r, p)
	}
	seg.mu.Unlock()
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = errors.E(errors.Integrity, "truncated block", err)
		}
		return buf, errors.E(err, fmt.Sprintf("blockio: read block %d of %s", addr.Index, addr.Path()))
	}
	m.blocksRead.Add(1)
	m.bytesRead.Add(info.Size)
	if got, want := checksum(p), info.Checksum; got != want {
		return buf, errors.E(errors.Integrity,
			fmt.Sprintf("blockio: %s block %d: checksum %x, expected %x", addr.Path(), addr.Index, got, want))
	}
	raw, err := uncompressBlock(info, p)
	if err != nil {
		return buf, errors.E(err, addr.Path())
	}
	values, err := flextype.DecodeValues(make([]flextype.Value, 0, info.NumElem), raw, info.NumElem)
	if err != nil {
		return buf, errors.E(err, fmt.Sprintf("blockio: decode block %d of %s", addr.Index, addr.Path()))
	}
	m.cache.Add(key, values, int(info.RawSize)+info.NumElem*flextype.ValueSize)
	return append(buf[:0], values...), nil
}

// CloseColumn releases an address returned by OpenColumn. The
// underlying file is closed when its last address is released.
func (m *Manager) CloseColumn(addr ColumnAddress) {
	seg := addr.seg
	m.mu.Lock()
	seg.opens--
	must.Truef(seg.opens >= 0, "blockio: %s closed too many times", seg.path)
	if seg.opens > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.files, seg.path)
	m.mu.Unlock()
	m.cache.Purge(seg.id, seg.index)
	if err := seg.f.Close(context.Background()); err != nil {
		log.Error.Printf("blockio: close %s: %v", seg.path, err)
	}
}

// TempPath returns a fresh path in the session's temporary directory
// with the provided prefix. The path is registered as temporary: it
// (and any file registered with the same name as a prefix through
// NewGroupWriter) is deleted once its last reference is released.
func (m *Manager) TempPath(prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tempDir == "" {
		dir, err := os.MkdirTemp(m.cfg.TempDir, "sframe-")
		if err != nil {
			return "", errors.E(err, "blockio: create temporary directory")
		}
		m.tempDir = dir
	}
	m.ntemp++
	path := filepath.Join(m.tempDir, fmt.Sprintf("%s-%06d", prefix, m.ntemp))
	m.temp[path] = true
	return path, nil
}

func (m *Manager) markTemp(paths ...string) {
	m.mu.Lock()
	for _, path := range paths {
		m.temp[path] = true
	}
	m.mu.Unlock()
}

// Retain adds a lifetime reference to each of the provided files.
func (m *Manager) Retain(paths ...string) {
	m.mu.Lock()
	for _, path := range paths {
		m.refs[path]++
	}
	m.mu.Unlock()
}

// Release drops a lifetime reference to each of the provided files.
// Temporary files whose last reference is released are deleted.
func (m *Manager) Release(ctx context.Context, paths ...string) error {
	var remove []string
	m.mu.Lock()
	for _, path := range paths {
		m.refs[path]--
		must.Truef(m.refs[path] >= 0, "blockio: %s released too many times", path)
		if m.refs[path] > 0 {
			continue
		}
		delete(m.refs, path)
		if m.temp[path] {
			delete(m.temp, path)
			remove = append(remove, path)
		}
	}
	m.mu.Unlock()
	var err error
	for _, path := range remove {
		log.Debug.Printf("blockio: removing temporary file %s", path)
		if rerr := file.Remove(ctx, path); rerr != nil && !os.IsNotExist(rerr) && !errors.Is(errors.NotExist, rerr) {
			log.Error.Printf("blockio: remove %s: %v", path, rerr)
			if err == nil {
				err = rerr
			}
		}
	}
	return err
}

// Refs returns the number of lifetime references to path.
func (m *Manager) Refs(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[path]
}

// Close closes every open segment file and removes the session's
// temporary directory. The manager may not be used after Close.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	must.True(!m.closed, "blockio: manager closed twice")
	m.closed = true
	files := m.files
	m.files = nil
	dir := m.tempDir
	m.mu.Unlock()
	var err error
	for _, seg := range files {
		errors.CleanUpCtx(ctx, seg.f.Close, &err)
	}
	if dir != "" {
		if rerr := os.RemoveAll(dir); rerr != nil && err == nil {
			err = rerr
		}
	}
	log.Debug.Printf("blockio: manager closed: %s", m.stats.Snapshot())
	return err
}
