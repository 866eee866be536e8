package fs

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/roxdb/rox"
)

// File layout: one header block followed by the marshaled record snapshot padded to
// a whole number of sector-aligned blocks. The header holds a magic marker and the
// payload's true byte length.
var magic = [4]byte{'R', 'O', 'X', 'S'}

// StoreFile is the local persistence file of one store. It satisfies rox.Persistence.
type StoreFile struct {
	path      string
	marshaler rox.Marshaler
	mu        sync.Mutex
	dio       *directIO
}

// NewStoreFile instantiates a persistence file at path. The file is created lazily
// on first Save.
func NewStoreFile(path string) *StoreFile {
	return &StoreFile{
		path:      path,
		marshaler: rox.NewMarshaler(),
		dio:       newDirectIO(),
	}
}

func (sf *StoreFile) ensureOpen() error {
	if sf.dio.file != nil {
		return nil
	}
	return sf.dio.open(sf.path, os.O_RDWR|os.O_CREATE, 0o644)
}

// Load reads the persisted record snapshot, nil if the file does not exist yet.
func (sf *StoreFile) Load(ctx context.Context) ([]rox.Delta, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if !sf.dio.fileExists(sf.path) {
		return nil, nil
	}
	size, err := sf.dio.getFileSize(sf.path)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	if err := sf.ensureOpen(); err != nil {
		return nil, err
	}

	header := sf.dio.createAlignedBlockOfSize(blockSize)
	if _, err := sf.dio.readAt(header, 0); err != nil && !sf.dio.isEOF(err) {
		return nil, err
	}
	if [4]byte(header[:4]) != magic {
		return nil, fmt.Errorf("store file %s has an unrecognized header", sf.path)
	}
	payloadLen := int64(binary.BigEndian.Uint64(header[4:12]))
	if payloadLen == 0 {
		return nil, nil
	}
	if payloadLen > size-blockSize {
		return nil, fmt.Errorf("store file %s header claims %d payload bytes but file holds %d", sf.path, payloadLen, size-blockSize)
	}

	padded := alignUp(payloadLen)
	buf := sf.dio.createAlignedBlockOfSize(int(padded))
	if _, err := sf.dio.readAt(buf, blockSize); err != nil && !sf.dio.isEOF(err) {
		return nil, err
	}

	var records []rox.Delta
	if err := sf.marshaler.Unmarshal(buf[:payloadLen], &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Save replaces the persisted snapshot with the given record set.
func (sf *StoreFile) Save(ctx context.Context, records []rox.Delta) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	payload, err := sf.marshaler.Marshal(records)
	if err != nil {
		return err
	}
	if err := sf.ensureOpen(); err != nil {
		return err
	}

	total := blockSize + alignUp(int64(len(payload)))
	buf := sf.dio.createAlignedBlockOfSize(int(total))
	copy(buf[:4], magic[:])
	binary.BigEndian.PutUint64(buf[4:12], uint64(len(payload)))
	copy(buf[blockSize:], payload)

	if _, err := sf.dio.writeAt(buf, 0); err != nil {
		return err
	}
	return sf.dio.truncate(total)
}

// Close releases the underlying file.
func (sf *StoreFile) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.dio.close()
}

func alignUp(n int64) int64 {
	if n%blockSize == 0 {
		return n
	}
	return (n/blockSize + 1) * blockSize
}
