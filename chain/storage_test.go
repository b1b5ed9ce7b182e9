package chain

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/freehandle/papirus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendToFile(t *testing.T, path string, data []byte) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = file.Write(data)
	require.NoError(t, err)
	require.NoError(t, file.Close())
}

func TestSegmentStoreCutsIncompleteTail(t *testing.T) {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, 100)

	tests := []struct {
		name string
		tail []byte
	}{
		{"zero tail", make([]byte, 16)},
		{"partial header", []byte{5, 0, 0}},
		{"partial record", append(header, []byte("only a few bytes")...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store, err := OpenSegmentStore(dir, 0)
			require.NoError(t, err)
			require.NoError(t, store.Append([]byte("first")))
			require.NoError(t, store.Close())

			segment := filepath.Join(dir, "segment_0.dat")
			appendToFile(t, segment, tt.tail)

			store, err = OpenSegmentStore(dir, 0)
			require.NoError(t, err)
			require.Equal(t, 1, store.Len())
			info, err := os.Stat(segment)
			require.NoError(t, err)
			assert.Equal(t, int64(8+len("first")), info.Size())

			require.NoError(t, store.Append([]byte("second")))
			data, err := store.Get(1)
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), data)
			require.NoError(t, store.Close())

			store, err = OpenSegmentStore(dir, 0)
			require.NoError(t, err)
			defer store.Close()
			require.Equal(t, 2, store.Len())
			first, err := store.Get(0)
			require.NoError(t, err)
			assert.Equal(t, []byte("first"), first)
			second, err := store.Get(1)
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), second)
		})
	}
}

func TestSegmentStoreRefusesIncompleteEarlierSegment(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenSegmentStore(dir, 32)
	require.NoError(t, err)
	for _, record := range []string{"first record", "second record", "third record"} {
		require.NoError(t, store.Append([]byte(record)))
	}
	require.Greater(t, store.Segments(), 1)
	require.NoError(t, store.Close())

	appendToFile(t, filepath.Join(dir, "segment_0.dat"), make([]byte, 8))

	_, err = OpenSegmentStore(dir, 32)
	assert.ErrorContains(t, err, "segment 0")
}

func TestSegmentStoreReportsClosedStore(t *testing.T) {
	store := NewMemoryStore(0)
	require.NoError(t, store.Append([]byte("record")))
	require.NoError(t, store.Close())
	assert.Error(t, store.Append([]byte("late")))
	_, err := store.Get(0)
	assert.Error(t, err)
}

type failingSegment struct {
	papirus.ByteStore
}

func (failingSegment) Append([]byte) { panic(errors.New("no space left on device")) }

func (failingSegment) ReadAt(int64, int64) []byte { panic("invalid offset") }

func TestSegmentStoreReturnsIOErrors(t *testing.T) {
	store := &SegmentStore{
		maxSize:  DefaultSegmentSize,
		segments: []papirus.ByteStore{failingSegment{papirus.NewMemoryStore(0)}},
	}
	err := store.Append([]byte("record"))
	assert.ErrorContains(t, err, "no space left on device")
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, err, store.Append([]byte("retry")))

	store.records = append(store.records, recordIndex{offset: 8, size: 6})
	_, err = store.Get(0)
	assert.ErrorContains(t, err, "invalid offset")
}
