package chain

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/freehandle/papirus"
	"github.com/pkg/errors"
)

// Storage keeps the serialized blocks of one chain in append order. Record n
// holds the block with sequence n+1.
type Storage interface {
	Append(data []byte) error
	Get(n int) ([]byte, error)
	Len() int
	Close() error
}

const segmentPrefix = "segment_"

// DefaultSegmentSize is the size after which a new segment is started.
const DefaultSegmentSize = 64 << 20

type recordIndex struct {
	segment int
	offset  int64
	size    int64
}

// SegmentStore is a Storage over papirus byte stores. Records are written as
// an 8 byte little endian length followed by the data. A new segment starts
// when the current one would grow past maxSize.
type SegmentStore struct {
	mu          sync.Mutex
	path        string
	maxSize     int64
	segments    []papirus.ByteStore
	records     []recordIndex
	currentSize int64
	// failed is set once an append may have left a partial record behind.
	failed error
}

// NewMemoryStore returns a SegmentStore kept in memory.
func NewMemoryStore(maxSize int64) *SegmentStore {
	if maxSize <= 0 {
		maxSize = DefaultSegmentSize
	}
	return &SegmentStore{
		maxSize:  maxSize,
		segments: []papirus.ByteStore{papirus.NewMemoryStore(0)},
		records:  make([]recordIndex, 0),
	}
}

// OpenSegmentStore opens or creates the segments under path and indexes every
// record found. Segments must be numbered without holes and every record must
// be complete.
func OpenSegmentStore(path string, maxSize int64) (*SegmentStore, error) {
	if maxSize <= 0 {
		maxSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.Wrapf(err, "could not create chain directory %s", path)
	}
	files, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read chain directory %s", path)
	}
	numbers := make([]int, 0)
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), segmentPrefix) {
			continue
		}
		count := strings.TrimSuffix(strings.TrimPrefix(file.Name(), segmentPrefix), ".dat")
		value, err := strconv.Atoi(count)
		if err != nil {
			continue
		}
		numbers = append(numbers, value)
	}
	sort.Ints(numbers)
	store := &SegmentStore{
		path:    path,
		maxSize: maxSize,
		records: make([]recordIndex, 0),
	}
	if len(numbers) == 0 {
		if err := store.newSegment(); err != nil {
			return nil, err
		}
		return store, nil
	}
	last := len(numbers) - 1
	for n, number := range numbers {
		if number != n {
			store.Close()
			return nil, fmt.Errorf("missing segment %d in %s", n, path)
		}
		segmentPath := store.segmentPath(n)
		segment := papirus.OpenFileStore(segmentPath)
		if segment == nil {
			store.Close()
			return nil, fmt.Errorf("could not open segment %s", segmentPath)
		}
		size, torn, err := store.scan(n, segment)
		if err == nil && torn {
			// papirus appends at the end of the file, so an incomplete tail
			// must be cut before anything else is written after it.
			if n != last {
				err = fmt.Errorf("segment %d: incomplete record at %d before segment %d", n, size, n+1)
			} else {
				segment.Close()
				if err = os.Truncate(segmentPath, size); err != nil {
					err = errors.Wrapf(err, "could not truncate segment %s", segmentPath)
				} else if segment = papirus.OpenFileStore(segmentPath); segment == nil {
					err = fmt.Errorf("could not reopen segment %s", segmentPath)
				}
				if err != nil {
					store.Close()
					return nil, err
				}
			}
		}
		if err != nil {
			segment.Close()
			store.Close()
			return nil, err
		}
		store.segments = append(store.segments, segment)
		store.currentSize = size
	}
	return store, nil
}

func (s *SegmentStore) segmentPath(n int) string {
	return filepath.Join(s.path, fmt.Sprintf("%s%d.dat", segmentPrefix, n))
}

// scan indexes the complete records of segment n. It returns the offset
// after the last complete record and whether bytes follow it: a zero length
// header or a record cut short by a crash.
func (s *SegmentStore) scan(n int, segment papirus.ByteStore) (end int64, torn bool, err error) {
	defer capture(&err)
	total := segment.Size()
	offset := int64(0)
	for offset < total {
		if offset+8 > total {
			return offset, true, nil
		}
		size := int64(binary.LittleEndian.Uint64(segment.ReadAt(offset, 8)))
		if size <= 0 || size > total-offset-8 {
			return offset, true, nil
		}
		s.records = append(s.records, recordIndex{segment: n, offset: offset + 8, size: size})
		offset += 8 + size
	}
	return offset, false, nil
}

// capture turns a papirus panic, raised on any I/O error, into err.
func capture(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = errors.Wrap(e, "segment i/o")
		} else {
			*err = fmt.Errorf("segment i/o: %v", r)
		}
	}
}

func (s *SegmentStore) newSegment() (err error) {
	defer capture(&err)
	if s.path == "" {
		s.segments = append(s.segments, papirus.NewMemoryStore(0))
		s.currentSize = 0
		return nil
	}
	segmentPath := s.segmentPath(len(s.segments))
	segment := papirus.NewFileStore(segmentPath, 0)
	if segment == nil {
		return fmt.Errorf("could not create segment %s", segmentPath)
	}
	s.segments = append(s.segments, segment)
	s.currentSize = 0
	return nil
}

func (s *SegmentStore) Append(data []byte) (err error) {
	if len(data) == 0 {
		return errors.New("cannot store empty record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return errors.New("segment store is closed")
	}
	if s.failed != nil {
		return s.failed
	}
	record := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint64(record, uint64(len(data)))
	record = append(record, data...)
	if s.currentSize > 0 && s.currentSize+int64(len(record)) > s.maxSize {
		if err := s.newSegment(); err != nil {
			return err
		}
	}
	current := len(s.segments) - 1
	if err := appendRecord(s.segments[current], record); err != nil {
		s.failed = err
		return err
	}
	s.records = append(s.records, recordIndex{
		segment: current,
		offset:  s.currentSize + 8,
		size:    int64(len(data)),
	})
	s.currentSize += int64(len(record))
	return nil
}

func appendRecord(segment papirus.ByteStore, record []byte) (err error) {
	defer capture(&err)
	segment.Append(record)
	return nil
}

func (s *SegmentStore) Get(n int) (data []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return nil, errors.New("segment store is closed")
	}
	if n < 0 || n >= len(s.records) {
		return nil, fmt.Errorf("record %d out of range [0, %d)", n, len(s.records))
	}
	defer capture(&err)
	index := s.records[n]
	data = s.segments[index.segment].ReadAt(index.offset, index.size)
	if int64(len(data)) != index.size {
		return nil, fmt.Errorf("record %d: short read of %d bytes", n, len(data))
	}
	return data, nil
}

func (s *SegmentStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Segments is the number of segments in use.
func (s *SegmentStore) Segments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

func (s *SegmentStore) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer capture(&err)
	segments := s.segments
	s.segments = nil
	for _, segment := range segments {
		segment.Close()
	}
	return nil
}
