package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// DefaultSegmentSize rotates log segments at 128 MiB.
const DefaultSegmentSize = 128 << 20

// maxRecordSize bounds a single record read so a corrupt length prefix
// cannot drive allocation.
const maxRecordSize = 32 << 20

// LogPointer addresses one record in a segmented log.
type LogPointer struct {
	Segment uint32
	Offset  uint64
}

// SegmentedLog is an append-only content log split into bounded segment
// files (blk00001.dat, blk00002.dat, ...). Appends go to the newest
// segment; a write that would push the current segment past the size
// threshold opens the next one first. Records are u32le-length-prefixed.
type SegmentedLog struct {
	dir         string
	prefix      string
	segmentSize uint64

	cur     *os.File
	curSeg  uint32
	curSize uint64
}

func segmentName(prefix string, seg uint32) string {
	return fmt.Sprintf("%s%05d.dat", prefix, seg)
}

// OpenLog opens (or creates) a segmented log under dir. segmentSize <= 0
// selects the default.
func OpenLog(dir, prefix string, segmentSize int64) (*SegmentedLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("log: create dir: %w", err)
	}
	size := uint64(DefaultSegmentSize)
	if segmentSize > 0 {
		size = uint64(segmentSize)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("log: read dir: %w", err)
	}
	segs := make([]uint32, 0, len(entries))
	for _, e := range entries {
		var seg uint32
		if n, _ := fmt.Sscanf(e.Name(), prefix+"%05d.dat", &seg); n == 1 {
			segs = append(segs, seg)
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })

	l := &SegmentedLog{dir: dir, prefix: prefix, segmentSize: size, curSeg: 1}
	if len(segs) > 0 {
		l.curSeg = segs[len(segs)-1]
	}
	if err := l.openCurrent(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SegmentedLog) openCurrent() error {
	path := filepath.Join(l.dir, segmentName(l.prefix, l.curSeg))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("log: open segment: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("log: stat segment: %w", err)
	}
	l.cur = f
	l.curSize = uint64(st.Size())
	return nil
}

// Append writes one record and returns its pointer. The record is synced
// before the pointer is returned so metadata referencing it never points at
// unwritten bytes.
func (l *SegmentedLog) Append(payload []byte) (LogPointer, error) {
	if l == nil || l.cur == nil {
		return LogPointer{}, fmt.Errorf("log: not open")
	}
	if len(payload) > maxRecordSize {
		return LogPointer{}, fmt.Errorf("log: record too large")
	}
	recSize := uint64(4 + len(payload))
	if l.curSize > 0 && l.curSize+recSize > l.segmentSize {
		if err := l.rotate(); err != nil {
			return LogPointer{}, err
		}
	}

	ptr := LogPointer{Segment: l.curSeg, Offset: l.curSize}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := l.cur.Write(lenBuf[:]); err != nil {
		return LogPointer{}, fmt.Errorf("log: write length: %w", err)
	}
	if _, err := l.cur.Write(payload); err != nil {
		return LogPointer{}, fmt.Errorf("log: write payload: %w", err)
	}
	if err := l.cur.Sync(); err != nil {
		return LogPointer{}, fmt.Errorf("log: sync: %w", err)
	}
	l.curSize += recSize
	return ptr, nil
}

func (l *SegmentedLog) rotate() error {
	old := l.cur
	l.curSeg++
	if err := l.openCurrent(); err != nil {
		l.curSeg--
		l.cur = old
		return err
	}
	log.Debugf("rotated %s log to segment %d", l.prefix, l.curSeg)
	return old.Close()
}

// Read returns the record at ptr.
func (l *SegmentedLog) Read(ptr LogPointer) ([]byte, error) {
	if l == nil {
		return nil, fmt.Errorf("log: not open")
	}
	path := filepath.Join(l.dir, segmentName(l.prefix, ptr.Segment))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("log: open segment for read: %w", err)
	}
	defer f.Close()

	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], int64(ptr.Offset)); err != nil {
		return nil, fmt.Errorf("log: read length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxRecordSize {
		return nil, fmt.Errorf("log: corrupt record length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(f, int64(ptr.Offset)+4, int64(n)), payload); err != nil {
		return nil, fmt.Errorf("log: read payload: %w", err)
	}
	return payload, nil
}

func (l *SegmentedLog) Close() error {
	if l == nil || l.cur == nil {
		return nil
	}
	err := l.cur.Close()
	l.cur = nil
	return err
}
