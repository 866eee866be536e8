// Package fs implements the store's local persistence file: the on-device record
// snapshot the engine loads on open and rewrites after commits. Writes go through
// sector-aligned direct IO where the filesystem supports it.
package fs

import (
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"
)

type directIO struct {
	file     *os.File
	filename string
}

const (
	blockSize = directio.BlockSize
)

// Instantiate a direct File IO object.
func newDirectIO() *directIO {
	return &directIO{}
}

// Open the file with a given filename. Falls back to buffered IO when the
// filesystem rejects O_DIRECT (e.g. tmpfs), keeping the same alignment contract.
func (dio *directIO) open(filename string, flag int, permission os.FileMode) error {
	if dio.file != nil {
		return fmt.Errorf("there is an opened file for this directIO object, 'not allowed to open file again")
	}
	f, err := directio.OpenFile(filename, flag, permission)
	if err != nil {
		f, err = os.OpenFile(filename, flag, permission)
		if err != nil {
			return err
		}
	}
	dio.file = f
	dio.filename = filename
	return nil
}

func (dio *directIO) fileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}

func (dio *directIO) getFileSize(filePath string) (int64, error) {
	s, err := os.Stat(filePath)
	if err != nil {
		return 0, err
	}
	return s.Size(), nil
}

func (dio *directIO) isEOF(err error) bool {
	return io.EOF == err
}

// Create a buffer that is aligned to the file sector size, usable as buffer for reading file data, directly.
func (dio *directIO) createAlignedBlockOfSize(size int) []byte {
	return directio.AlignedBlock(size)
}

func (dio *directIO) writeAt(block []byte, offset int64) (int, error) {
	if dio.file == nil {
		return 0, fmt.Errorf("can't write, there is no opened file")
	}
	return dio.file.WriteAt(block, offset)
}

func (dio *directIO) readAt(block []byte, offset int64) (int, error) {
	if dio.file == nil {
		return 0, fmt.Errorf("can't read, there is no opened file")
	}
	return dio.file.ReadAt(block, offset)
}

func (dio *directIO) truncate(size int64) error {
	if dio.file == nil {
		return fmt.Errorf("can't truncate, there is no opened file")
	}
	return dio.file.Truncate(size)
}

func (dio *directIO) close() error {
	if dio.file == nil {
		return nil
	}
	err := dio.file.Close()
	dio.file = nil
	dio.filename = ""
	return err
}
