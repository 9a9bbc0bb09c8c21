package legacy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Segment file format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Entries: [4 bytes length][4 bytes crc32][payload]
//
// All integers are little-endian.
const (
	logMagic        = 0x53544E4C4F470001 // "STNLOG" + version 1
	logVersion      = 1
	headerSize      = 12
	entryHeaderSize = 8
	maxEntrySize    = 64 * 1024 * 1024
	segmentSuffix   = ".log"
)

// SyncMode controls when appended entries reach the disk.
type SyncMode string

const (
	SyncAsync SyncMode = "async" // buffered; flushed on rotate, compact and close
	SyncFlush SyncMode = "sync"  // flushed after every operation
	SyncFsync SyncMode = "fsync" // flushed and fsynced after every operation
)

// segmentLog appends operations to numbered segment files.
// Callers serialize access.
type segmentLog struct {
	dir  string
	opts Options

	current     *os.File
	currentPath string
	currentSize int64
	nextSeq     int64

	w *bufio.Writer
}

type segmentInfo struct {
	path string
	seq  int64
}

func openSegmentLog(dir string, opts Options) (*segmentLog, []segmentInfo, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create legacy dir: %w", err)
	}

	l := &segmentLog{dir: dir, opts: opts}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		l.nextSeq = segments[len(segments)-1].seq + 1
	}
	return l, segments, nil
}

// append writes one entry, rotating first when the segment is full.
func (l *segmentLog) append(payload []byte) error {
	if len(payload) > maxEntrySize {
		return fmt.Errorf("entry too large: %d bytes", len(payload))
	}

	size := int64(entryHeaderSize + len(payload))
	if l.current == nil || l.currentSize+size > l.opts.MaxSegmentSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	var header [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := l.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := l.w.Write(payload); err != nil {
		return err
	}
	l.currentSize += size

	return l.syncPolicy()
}

func (l *segmentLog) syncPolicy() error {
	switch l.opts.SyncMode {
	case SyncFlush:
		return l.w.Flush()
	case SyncFsync:
		if err := l.w.Flush(); err != nil {
			return err
		}
		return l.current.Sync()
	}
	return nil
}

// flush writes buffered entries and fsyncs the current segment.
func (l *segmentLog) flush() error {
	if l.current == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.current.Sync()
}

// rotate closes the current segment and starts the next one.
func (l *segmentLog) rotate() error {
	if l.current != nil {
		if err := l.flush(); err != nil {
			return err
		}
		l.current.Close()
	}

	path := filepath.Join(l.dir, fmt.Sprintf("%016d%s", l.nextSeq, segmentSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], logMagic)
	binary.LittleEndian.PutUint32(header[8:12], logVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	l.current = f
	l.currentPath = path
	l.currentSize = headerSize
	l.w = bufio.NewWriterSize(f, l.opts.BufferSize)
	l.nextSeq++
	return nil
}

// currentSeq returns the sequence of the open segment, or -1.
func (l *segmentLog) currentSeq() int64 {
	if l.current == nil {
		return -1
	}
	return l.nextSeq - 1
}

// deleteBefore removes every segment older than seq.
func (l *segmentLog) deleteBefore(seq int64) (int, error) {
	segments, err := listSegments(l.dir)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, s := range segments {
		if s.seq >= seq {
			break
		}
		if s.path == l.currentPath {
			continue
		}
		if err := os.Remove(s.path); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (l *segmentLog) close() error {
	if l.current == nil {
		return nil
	}
	err := l.w.Flush()
	if cerr := l.current.Close(); err == nil {
		err = cerr
	}
	l.current = nil
	return err
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) != 16+len(segmentSuffix) || name[16:] != segmentSuffix {
			continue
		}
		var seq int64
		if _, err := fmt.Sscanf(name[:16], "%016d", &seq); err != nil {
			continue
		}
		segments = append(segments, segmentInfo{path: filepath.Join(dir, name), seq: seq})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})
	return segments, nil
}

// readSegment calls fn for every intact entry of the segment at path.
// Replay stops at the first torn or corrupt entry: everything after it was
// written after the crash point and is discarded.
func readSegment(path string, fn func(payload []byte) error) (entries int, corrupt bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		// A segment created but never written to.
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != logMagic {
		return 0, false, fmt.Errorf("invalid magic: expected %x, got %x", uint64(logMagic), magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != logVersion {
		return 0, false, fmt.Errorf("unsupported version: %d", version)
	}

	for {
		var eh [entryHeaderSize]byte
		if _, err := io.ReadFull(r, eh[:]); err != nil {
			if err == io.EOF {
				return entries, false, nil
			}
			return entries, true, nil
		}

		length := binary.LittleEndian.Uint32(eh[0:4])
		expected := binary.LittleEndian.Uint32(eh[4:8])
		if length > maxEntrySize {
			return entries, true, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return entries, true, nil
		}
		if crc32.ChecksumIEEE(payload) != expected {
			return entries, true, nil
		}

		if err := fn(payload); err != nil {
			return entries, false, err
		}
		entries++
	}
}
