package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"github.com/hashicorp/go-hclog"
)

// LogSegment is one append-only file holding a contiguous run of entries
// starting at baseIndex. positions[i] is the byte offset of entry baseIndex+i.
type LogSegment struct {
	baseIndex uint64
	nextIndex uint64
	positions []int64
	size      int64

	path string
	file *os.File
}

func segmentName(baseIndex uint64) string {
	return fmt.Sprintf("%020d.log", baseIndex)
}

func NewLogSegment(dir string, baseIndex uint64) (*LogSegment, error) {
	ls := &LogSegment{
		baseIndex: baseIndex,
		nextIndex: baseIndex,
		path:      filepath.Join(dir, segmentName(baseIndex)),
	}
	if err := ls.openFile(os.O_CREATE | os.O_RDWR | os.O_TRUNC); err != nil {
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		ls.Close()
		return nil, err
	}
	return ls, nil
}

// loadLogSegment scans an existing segment. When last is true a torn tail is cut
// off (a crash during append); anywhere else it is reported as corruption.
func loadLogSegment(dir string, baseIndex uint64, last bool, logger hclog.Logger) (*LogSegment, []raftpb.Entry, error) {
	ls := &LogSegment{
		baseIndex: baseIndex,
		nextIndex: baseIndex,
		path:      filepath.Join(dir, segmentName(baseIndex)),
	}
	if err := ls.openFile(os.O_RDWR); err != nil {
		return nil, nil, err
	}

	reader := bufio.NewReader(ls.file)
	var entries []raftpb.Entry
	var position int64
	for {
		payload, n, err := readFrame(reader)
		if err == io.EOF {
			break
		}
		if err == nil {
			var e raftpb.Entry
			e, err = decodeEntry(payload)
			if err == nil && e.Index != ls.nextIndex {
				err = fmt.Errorf("segment %s: expected index %d, found %d", ls.path, ls.nextIndex, e.Index)
			}
			if err == nil {
				entries = append(entries, e)
				ls.positions = append(ls.positions, position)
				ls.nextIndex++
				position += n
				continue
			}
		}
		if !last || !(errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errCorruptRecord)) {
			ls.Close()
			return nil, nil, fmt.Errorf("segment %s at offset %d: %w", ls.path, position, err)
		}
		logger.Warn("truncating torn segment tail", "segment", ls.path, "offset", position, "error", err)
		if err := ls.file.Truncate(position); err != nil {
			ls.Close()
			return nil, nil, err
		}
		if err := ls.file.Sync(); err != nil {
			ls.Close()
			return nil, nil, err
		}
		break
	}
	ls.size = position
	if _, err := ls.file.Seek(position, io.SeekStart); err != nil {
		ls.Close()
		return nil, nil, err
	}
	return ls, entries, nil
}

func (ls *LogSegment) openFile(flag int) error {
	f, err := os.OpenFile(ls.path, flag, 0644)
	if err != nil {
		return err
	}
	ls.file = f
	return nil
}

// Append writes entries to the end of the segment and fsyncs before returning.
func (ls *LogSegment) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var buf []byte
	positions := make([]int64, 0, len(entries))
	position := ls.size
	for _, e := range entries {
		if e.Index != ls.nextIndex+uint64(len(positions)) {
			return fmt.Errorf("segment %s: non-contiguous append at %d", ls.path, e.Index)
		}
		record := frame(encodeEntry(e))
		positions = append(positions, position)
		position += int64(len(record))
		buf = append(buf, record...)
	}
	if _, err := ls.file.WriteAt(buf, ls.size); err != nil {
		return err
	}
	if err := ls.file.Sync(); err != nil {
		return err
	}
	ls.positions = append(ls.positions, positions...)
	ls.nextIndex += uint64(len(entries))
	ls.size = position
	return nil
}

// TruncateFrom drops index and everything after it from the segment.
func (ls *LogSegment) TruncateFrom(index uint64) error {
	if index < ls.baseIndex || index >= ls.nextIndex {
		return nil
	}
	position := ls.positions[index-ls.baseIndex]
	if err := ls.file.Truncate(position); err != nil {
		return err
	}
	if err := ls.file.Sync(); err != nil {
		return err
	}
	ls.positions = ls.positions[:index-ls.baseIndex]
	ls.nextIndex = index
	ls.size = position
	return nil
}

func (ls *LogSegment) Count() uint64 {
	return ls.nextIndex - ls.baseIndex
}

// LastIndex is baseIndex-1 for an empty segment.
func (ls *LogSegment) LastIndex() uint64 {
	return ls.nextIndex - 1
}

func (ls *LogSegment) Remove() error {
	if err := ls.Close(); err != nil {
		return err
	}
	return os.Remove(ls.path)
}

func (ls *LogSegment) Close() error {
	if ls.file == nil {
		return nil
	}
	err := ls.file.Close()
	ls.file = nil
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
