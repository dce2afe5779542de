package index

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

var ErrMmapEmpty = errors.New("index: file is empty")

// mmapFile memory-maps a read-only file for positional index access,
// adapted from the teacher's syscall.Mmap-based reader but built on
// golang.org/x/sys/unix for portability with the tape drive's ioctl layer.
type mmapFile struct {
	file *os.File
	data []byte
}

func openMmap(path string) (*mmapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		f.Close()
		return nil, ErrMmapEmpty
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &mmapFile{file: f, data: data}, nil
}

func (m *mmapFile) Close() error {
	var err error
	if m.data != nil {
		if e := unix.Munmap(m.data); e != nil {
			err = e
		}
		m.data = nil
	}
	if m.file != nil {
		if e := m.file.Close(); e != nil && err == nil {
			err = e
		}
		m.file = nil
	}
	return err
}
