package logging

import (
	"fmt"
	"os"
	"sync"
)

// Rotator is a size-bounded, single-backup file writer: once the current
// file would exceed maxSize it is renamed to "<name>.old" (clobbering any
// previous backup) and a fresh file is opened.
type Rotator struct {
	filename    string
	maxSize     int64
	file        *os.File
	mu          sync.Mutex
	currentSize int64
}

// NewRotator opens (or creates) filename and sizes the rotation threshold in MB.
func NewRotator(filename string, maxSizeMB int) (*Rotator, error) {
	r := &Rotator{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) openFile() error {
	file, err := os.OpenFile(r.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.currentSize = stat.Size()
	return nil
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentSize+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	return n, err
}

func (r *Rotator) rotate() error {
	if r.file != nil {
		r.file.Close()
	}

	backup := r.filename + ".old"
	os.Remove(backup)
	if err := os.Rename(r.filename, backup); err != nil {
		return err
	}
	return r.openFile()
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
