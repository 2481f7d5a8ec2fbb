// Package stage manages the local temporary files that buffer one logical
// output unit before upload.
//
// A staging file is append-only while open. Finalize closes the write
// handle and flushes everything to disk; after that the file can be
// reopened from its start any number of times, once per upload attempt.
package stage

import (
	"bufio"
	"crypto/md5"
	"fmt"
	"io"
	"os"

	"github.com/embulk/embulk-output-gcs/errors"
)

// File is a local staging buffer for one logical output unit.
type File struct {
	f         *os.File
	w         *bufio.Writer
	size      int64
	finalized bool
	removed   bool
}

// Create allocates a new staging file in dir, or in the system temp
// directory when dir is empty, and opens it for append.
func Create(dir string) (*File, error) {
	f, err := os.CreateTemp(dir, "embulk-output-gcs-*.tmp")
	if err != nil {
		return nil, errors.NewError("stage", errors.ErrLocalResource).
			WithMessage(fmt.Sprintf("creating staging file: %v", err))
	}
	return &File{
		f: f,
		w: bufio.NewWriter(f),
	}, nil
}

// Write appends p to the staging file. It implements io.Writer.
func (s *File) Write(p []byte) (int, error) {
	if s.finalized {
		return 0, errors.NewError("stage", errors.ErrLocalResource).
			WithMessage("write to finalized staging file")
	}
	n, err := s.w.Write(p)
	s.size += int64(n)
	if err != nil {
		return n, errors.NewError("stage", errors.ErrLocalResource).
			WithMessage(fmt.Sprintf("writing staging file: %v", err))
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (s *File) Size() int64 {
	return s.size
}

// Path returns the location of the staging file on disk.
func (s *File) Path() string {
	return s.f.Name()
}

// Finalize flushes buffered bytes and closes the write handle.
// The file stays on disk for subsequent Open calls. Finalize is idempotent.
func (s *File) Finalize() error {
	if s.finalized {
		return nil
	}
	s.finalized = true
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return errors.NewError("stage", errors.ErrLocalResource).
			WithMessage(fmt.Sprintf("flushing staging file: %v", err))
	}
	if err := s.f.Close(); err != nil {
		return errors.NewError("stage", errors.ErrLocalResource).
			WithMessage(fmt.Sprintf("closing staging file: %v", err))
	}
	return nil
}

// Open returns a fresh reader positioned at the start of the file.
// The staging file must be finalized first; each upload attempt opens
// its own reader.
func (s *File) Open() (io.ReadCloser, error) {
	if !s.finalized {
		return nil, errors.NewError("stage", errors.ErrLocalResource).
			WithMessage("staging file is still open for writing")
	}
	f, err := os.Open(s.f.Name())
	if err != nil {
		return nil, errors.NewError("stage", errors.ErrLocalResource).
			WithMessage(fmt.Sprintf("reopening staging file: %v", err))
	}
	return f, nil
}

// MD5 computes the content hash of the finalized staging file.
//
// GCS reports object hashes as MD5; computing the same hash locally
// before upload lets callers compare the two afterwards.
func (s *File) MD5() ([]byte, error) {
	r, err := s.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, errors.NewError("stage", errors.ErrLocalResource).
			WithMessage(fmt.Sprintf("hashing staging file: %v", err))
	}
	return h.Sum(nil), nil
}

// Remove deletes the staging file from disk. Remove is idempotent and
// closes the write handle first if the file was never finalized.
func (s *File) Remove() error {
	if s.removed {
		return nil
	}
	s.removed = true
	if !s.finalized {
		s.finalized = true
		_ = s.w.Flush()
		_ = s.f.Close()
	}
	if err := os.Remove(s.f.Name()); err != nil {
		return errors.NewError("stage", errors.ErrLocalResource).
			WithMessage(fmt.Sprintf("removing staging file: %v", err))
	}
	return nil
}
