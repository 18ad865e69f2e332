package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// FileRotator owns the append handle of a log file and replaces the file
// atomically when its head is truncated.
type FileRotator struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	bufferSize int
}

// NewFileRotator creates a new file rotator for the given path.
// bufferSize controls the bufio.Writer buffer size (0 = default).
func NewFileRotator(path string, bufferSize int) *FileRotator {
	return &FileRotator{
		path:       path,
		bufferSize: bufferSize,
	}
}

// Path returns the current file path.
func (fr *FileRotator) Path() string {
	return fr.path
}

// Open opens or creates the file for appending.
func (fr *FileRotator) Open() error {
	file, err := os.OpenFile(fr.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", fr.path, err)
	}
	fr.attach(file)
	return nil
}

func (fr *FileRotator) attach(file *os.File) {
	fr.file = file
	if fr.bufferSize > 0 {
		fr.writer = bufio.NewWriterSize(file, fr.bufferSize)
	} else {
		fr.writer = bufio.NewWriter(file)
	}
}

// Writer returns the buffered writer.
func (fr *FileRotator) Writer() *bufio.Writer {
	return fr.writer
}

// Flush flushes the buffered writer.
func (fr *FileRotator) Flush() error {
	if fr.writer == nil {
		return nil
	}
	return fr.writer.Flush()
}

// Sync flushes the buffer and syncs the file to disk.
func (fr *FileRotator) Sync() error {
	if err := fr.Flush(); err != nil {
		return err
	}
	if fr.file == nil {
		return nil
	}
	return fr.file.Sync()
}

// Close flushes, syncs, and closes the file.
func (fr *FileRotator) Close() error {
	if fr.file == nil {
		return nil
	}
	if err := fr.Sync(); err != nil {
		return err
	}
	err := fr.file.Close()
	fr.file = nil
	fr.writer = nil
	return err
}

// Rotate replaces the file with one holding what write produces. The new
// content is written and synced to a sibling file that is then renamed over
// the original. On failure the rotator keeps appending to the old file.
func (fr *FileRotator) Rotate(write func(io.Writer) error) error {
	if fr.file == nil {
		return fmt.Errorf("no file to rotate")
	}
	if err := fr.Flush(); err != nil {
		return fmt.Errorf("failed to flush before rotate: %w", err)
	}

	newPath := fr.path + ".new"
	newFile, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create new file: %w", err)
	}

	w := bufio.NewWriter(newFile)
	if err := write(w); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return fmt.Errorf("failed to write rotated content: %w", err)
	}
	if err := w.Flush(); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return fmt.Errorf("failed to flush rotated content: %w", err)
	}
	if err := newFile.Sync(); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return fmt.Errorf("failed to sync rotated content: %w", err)
	}

	if err := os.Rename(newPath, fr.path); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	closeErr := fr.file.Close()
	// O_APPEND is not set on the new handle, so seek to the end.
	if _, err := newFile.Seek(0, io.SeekEnd); err != nil {
		fr.attach(newFile)
		return fmt.Errorf("failed to seek rotated file: %w", err)
	}
	fr.attach(newFile)
	if closeErr != nil {
		return fmt.Errorf("failed to close replaced file: %w", closeErr)
	}
	return nil
}

// RenameTo moves the file to path and keeps appending to it.
func (fr *FileRotator) RenameTo(path string) error {
	if err := fr.Sync(); err != nil {
		return fmt.Errorf("failed to sync before rename: %w", err)
	}
	if err := os.Rename(fr.path, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", fr.path, err)
	}
	fr.path = path
	return nil
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FileSize returns the size of a file in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
