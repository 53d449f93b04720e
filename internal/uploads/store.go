// ABOUTME: Filesystem storage for image attachments with UUID filenames
// ABOUTME: Serves saved images over HTTP for the console and message history

package uploads

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// URLPrefix is the public path images are served under.
const URLPrefix = "/uploads/"

// allowedExts are the image extensions accepted from uploads. Anything else
// is stored as .bin.
var allowedExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Store writes attachment files into a single directory and serves them back.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New creates an upload store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("uploads directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating uploads directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: slog.Default().With("component", "uploads"),
	}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the image from r under a fresh UUID filename and returns the
// public URL path for message records. ext may come from user input; it is
// normalized and replaced with .bin when unrecognized.
func (s *Store) Save(r io.Reader, ext string) (string, error) {
	ext = strings.ToLower(ext)
	if !allowedExts[ext] {
		ext = ".bin"
	}

	name := uuid.New().String() + ext
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating upload file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing upload: %w", err)
	}

	s.logger.Debug("saved upload", "name", name)
	return URLPrefix + name, nil
}

// Path resolves a stored URL path (as returned by Save) back to the file on
// disk. Returns an error for paths outside the store.
func (s *Store) Path(urlPath string) (string, error) {
	name := strings.TrimPrefix(urlPath, URLPrefix)
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid upload path %q", urlPath)
	}
	return filepath.Join(s.dir, name), nil
}

// Remove deletes a stored upload by its URL path, as returned by Save.
func (s *Store) Remove(urlPath string) error {
	p, err := s.Path(urlPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("removing upload: %w", err)
	}
	s.logger.Debug("removed upload", "name", filepath.Base(p))
	return nil
}

// Handler serves the upload directory at URLPrefix.
func (s *Store) Handler() http.Handler {
	return http.StripPrefix(URLPrefix, http.FileServer(http.Dir(s.dir)))
}
