package ann

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// File format: chemresolve semantic index v1, little-endian.
// Header: magic(8) + version(4) + generation(8) + dims(4) + nodeCount(4) +
// entryPoint(4) + maxLevel(4) + M(4) + Mmax0(4) + efConst(4) + efSearch(4) +
// modelLen(4) + model(modelLen)
// Per node: ref(8) + level(4) + vector(dims*4) + for each layer:
// friendCount(4) + friends(friendCount*4)

const (
	magic         = "CRSEMI01"
	formatVersion = 1
	lockRetry     = 50 * time.Millisecond

	// Upper bounds for decoded fields; allocations are sized from them.
	maxDims      = 1 << 16
	maxModelLen  = 1 << 10
	maxLayers    = 64
	maxFriends   = 1 << 12
	nodePrealloc = 1 << 12
)

// WriteTo encodes the snapshot in the binary index format.
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: bufio.NewWriter(w)}

	header := []any{
		[]byte(magic),
		int32(formatVersion),
		s.generation,
		int32(s.dims),
		int32(len(s.nodes)),
		int32(s.entryPoint),
		int32(s.maxLevel),
		int32(s.m),
		int32(s.mmax0),
		int32(s.efConstruction),
		int32(s.efSearch),
		int32(len(s.model)),
		[]byte(s.model),
	}
	for _, v := range header {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return cw.n, fmt.Errorf("writing header: %w", err)
		}
	}

	for i, n := range s.nodes {
		if err := writeNode(cw, n); err != nil {
			return cw.n, fmt.Errorf("writing node %d: %w", i, err)
		}
	}
	return cw.n, cw.w.(*bufio.Writer).Flush()
}

func writeNode(w io.Writer, n node) error {
	if err := binary.Write(w, binary.LittleEndian, n.ref); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(n.level)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, n.vector); err != nil {
		return err
	}
	for l := 0; l <= n.level; l++ {
		friends := n.friends[l]
		if err := binary.Write(w, binary.LittleEndian, int32(len(friends))); err != nil {
			return err
		}
		buf := make([]int32, len(friends))
		for i, f := range friends {
			buf[i] = int32(f)
		}
		if err := binary.Write(w, binary.LittleEndian, buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteTo.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(br, magicBuf); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(magicBuf) != magic {
		return nil, fmt.Errorf("invalid magic: %q (expected %q)", string(magicBuf), magic)
	}

	version, err := readInt32(br)
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	s := &Snapshot{}
	if err := binary.Read(br, binary.LittleEndian, &s.generation); err != nil {
		return nil, fmt.Errorf("reading generation: %w", err)
	}

	var fields [9]int32
	if err := binary.Read(br, binary.LittleEndian, &fields); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	dims, nodeCount, modelLen := fields[0], fields[1], fields[8]
	if dims < 0 || dims > maxDims || nodeCount < 0 || modelLen < 0 || modelLen > maxModelLen {
		return nil, fmt.Errorf("corrupt header: dims=%d nodes=%d model=%d", dims, nodeCount, modelLen)
	}
	s.dims = int(dims)
	s.entryPoint = int(fields[2])
	s.maxLevel = int(fields[3])
	s.m = int(fields[4])
	s.mmax0 = int(fields[5])
	s.efConstruction = int(fields[6])
	s.efSearch = int(fields[7])
	if err := s.checkParams(int(nodeCount)); err != nil {
		return nil, err
	}

	model := make([]byte, modelLen)
	if _, err := io.ReadFull(br, model); err != nil {
		return nil, fmt.Errorf("reading model tag: %w", err)
	}
	s.model = string(model)

	// nodeCount is untrusted until the nodes are actually read.
	s.nodes = make([]node, 0, min(int(nodeCount), nodePrealloc))
	for i := int32(0); i < nodeCount; i++ {
		n, err := s.readNode(br, int(nodeCount))
		if err != nil {
			return nil, fmt.Errorf("reading node %d: %w", i, err)
		}
		s.nodes = append(s.nodes, n)
	}
	return s, nil
}

// checkParams validates the graph parameters of a decoded header.
func (s *Snapshot) checkParams(nodeCount int) error {
	if s.m < 1 || s.m > maxFriends || s.mmax0 < 1 || s.mmax0 > maxFriends {
		return fmt.Errorf("corrupt header: M=%d Mmax0=%d", s.m, s.mmax0)
	}
	if s.efConstruction < 0 || s.efSearch < 0 {
		return fmt.Errorf("corrupt header: ef=%d/%d", s.efConstruction, s.efSearch)
	}
	if nodeCount == 0 {
		if s.entryPoint != -1 || s.maxLevel != -1 {
			return fmt.Errorf("corrupt header: empty index with entry point %d level %d", s.entryPoint, s.maxLevel)
		}
		return nil
	}
	if s.entryPoint < 0 || s.entryPoint >= nodeCount {
		return fmt.Errorf("corrupt header: entry point %d of %d nodes", s.entryPoint, nodeCount)
	}
	if s.maxLevel < 0 || s.maxLevel >= maxLayers {
		return fmt.Errorf("corrupt header: max level %d", s.maxLevel)
	}
	return nil
}

func (s *Snapshot) readNode(r io.Reader, nodeCount int) (node, error) {
	var n node
	if err := binary.Read(r, binary.LittleEndian, &n.ref); err != nil {
		return n, err
	}
	level, err := readInt32(r)
	if err != nil {
		return n, err
	}
	if level < 0 || int(level) > s.maxLevel {
		return n, fmt.Errorf("level %d outside 0..%d", level, s.maxLevel)
	}
	n.level = int(level)

	n.vector = make([]float32, s.dims)
	if err := binary.Read(r, binary.LittleEndian, n.vector); err != nil {
		return n, fmt.Errorf("vector: %w", err)
	}

	n.friends = make([][]int, level+1)
	for l := range n.friends {
		count, err := readInt32(r)
		if err != nil {
			return n, fmt.Errorf("layer %d friend count: %w", l, err)
		}
		limit := s.m
		if l == 0 {
			limit = s.mmax0
		}
		if count < 0 || int(count) > min(limit, nodeCount) {
			return n, fmt.Errorf("layer %d friend count %d out of range", l, count)
		}
		buf := make([]int32, count)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return n, fmt.Errorf("layer %d friends: %w", l, err)
		}
		friends := make([]int, count)
		for i, f := range buf {
			if f < 0 || int(f) >= nodeCount {
				return n, fmt.Errorf("layer %d friend %d out of range", l, f)
			}
			friends[i] = int(f)
		}
		n.friends[l] = friends
	}
	return n, nil
}

// SaveFile writes a snapshot of the index to path. The file is written to a
// temporary sibling and renamed into place while holding an exclusive lock on
// path+".lock", so readers never see a partial file.
func (idx *Index) SaveFile(ctx context.Context, path string) error {
	snap := idx.Snapshot()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("locking %s: lock not acquired", path)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := snap.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("writing index file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming index file: %w", err)
	}
	return nil
}

// ReadFile reads a snapshot from path under a shared lock.
func ReadFile(ctx context.Context, path string) (*Snapshot, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryRLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("locking %s: lock not acquired", path)
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}
	defer f.Close()
	return ReadSnapshot(f)
}

// LoadFile replaces the index contents with the snapshot stored at path.
func (idx *Index) LoadFile(ctx context.Context, path string) error {
	snap, err := ReadFile(ctx, path)
	if err != nil {
		return err
	}
	return idx.Load(snap)
}

type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}
