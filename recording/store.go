// Package recording stores clips uploaded by the device and converts them
// to a container that desktop players open.
package recording

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultName is used when the upload carries no file name
const DefaultName = "unknown_file.mjpeg"

var (
	ErrEmptyUpload    = errors.New("empty upload")
	ErrInvalidName    = errors.New("invalid file name")
	ErrUploadTooLarge = errors.New("upload exceeds size limit")
)

// Recording is one file in the upload directory
type Recording struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	Converted  bool      `json:"converted"`
}

// Store writes uploads into a single directory
type Store struct {
	dir     string
	maxSize int64
	logger  *zap.Logger
	now     func() time.Time
}

// NewStore creates dir if needed. maxSize <= 0 disables the size limit.
func NewStore(dir string, maxSize int64, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	return &Store{
		dir:     dir,
		maxSize: maxSize,
		logger:  logger.With(zap.String("component", "recording")),
		now:     time.Now,
	}, nil
}

// Dir returns the upload directory
func (s *Store) Dir() string {
	return s.dir
}

// SanitizeName reduces a client-supplied name to a single safe path element
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultName, nil
	}

	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character", ErrInvalidName)
		}
	}

	return name, nil
}

// Save writes r to <dir>/<unix>_<name>. Empty and oversized uploads are
// rejected and leave nothing behind.
func (s *Store) Save(name string, r io.Reader) (Recording, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return Recording{}, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Recording{}, fmt.Errorf("failed to create upload file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}

	n, err := io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Recording{}, fmt.Errorf("failed to write upload: %w", err)
	}

	if n == 0 {
		return Recording{}, ErrEmptyUpload
	}
	if s.maxSize > 0 && n > s.maxSize {
		return Recording{}, fmt.Errorf("%w (%d bytes)", ErrUploadTooLarge, s.maxSize)
	}

	now := s.now()
	final := filepath.Join(s.dir, fmt.Sprintf("%d_%s", now.Unix(), clean))
	if _, err := os.Stat(final); err == nil {
		final = filepath.Join(s.dir, fmt.Sprintf("%d_%s_%s", now.Unix(), uuid.New().String()[:8], clean))
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return Recording{}, fmt.Errorf("failed to store upload: %w", err)
	}

	s.logger.Info("Video file received", zap.String("path", final), zap.Int64("size", n))

	return Recording{
		Name:       filepath.Base(final),
		Path:       final,
		Size:       n,
		ModifiedAt: now,
	}, nil
}

// List returns the stored recordings, newest first
func (s *Store) List() ([]Recording, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload dir: %w", err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	recordings := make([]Recording, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		name := e.Name()
		ext := filepath.Ext(name)
		recordings = append(recordings, Recording{
			Name:       name,
			Path:       filepath.Join(s.dir, name),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Converted:  ext != ".avi" && names[strings.TrimSuffix(name, ext)+".avi"],
		})
	}

	sort.Slice(recordings, func(i, j int) bool {
		if recordings[i].ModifiedAt.Equal(recordings[j].ModifiedAt) {
			return recordings[i].Name > recordings[j].Name
		}
		return recordings[i].ModifiedAt.After(recordings[j].ModifiedAt)
	})

	return recordings, nil
}
