// Package imagestore saves generated images and their metadata to disk.
package imagestore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/inercia/sdlink/internal/fileutil"
)

// ErrNotImage is returned when a payload or file is not an image.
var ErrNotImage = errors.New("not an image")

// Saved describes a file written by the store.
type Saved struct {
	Path string
	// SidecarPath is empty for previews.
	SidecarPath string
	MIME        string
	Size        int
}

// Sidecar is the YAML document written next to each result image.
type Sidecar struct {
	Created  time.Time      `yaml:"created"`
	Image    string         `yaml:"image"`
	MIME     string         `yaml:"mime"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// Store writes images into a single directory using names of the form
// sd-<unix millis>[-suffix]<ext>.
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New creates the directory if needed and returns a Store writing into it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the output directory.
func (s *Store) Dir() string {
	return s.dir
}

// SaveResult decodes a result payload (bare base64 or data URL), writes it
// with an extension matching its content and writes the metadata sidecar.
func (s *Store) SaveResult(payload string, metadata map[string]any) (*Saved, error) {
	data, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	saved, err := s.write(data, "")
	if err != nil {
		return nil, err
	}

	sidecar := Sidecar{
		Created:  s.now().UTC(),
		Image:    filepath.Base(saved.Path),
		MIME:     saved.MIME,
		Metadata: metadata,
	}
	saved.SidecarPath = strings.TrimSuffix(saved.Path, filepath.Ext(saved.Path)) + ".yaml"
	if err := fileutil.WriteYAMLAtomic(saved.SidecarPath, sidecar, 0644); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}
	return saved, nil
}

// SavePreview writes a preview payload for the given step.
func (s *Store) SavePreview(payload string, step int) (*Saved, error) {
	data, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return s.write(data, fmt.Sprintf("preview-%d", step))
}

func (s *Store) write(data []byte, suffix string) (*Saved, error) {
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrNotImage, mime.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := fmt.Sprintf("sd-%d", s.now().UnixMilli())
	if suffix != "" {
		base += "-" + suffix
	}
	path := filepath.Join(s.dir, base+mime.Extension())
	for i := 1; exists(path); i++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%d%s", base, i, mime.Extension()))
	}

	if err := fileutil.WriteFileAtomic(path, data, 0644); err != nil {
		return nil, err
	}
	return &Saved{Path: path, MIME: mime.String(), Size: len(data)}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Decode returns the bytes of a bare base64 or data URL payload.
func Decode(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		i := strings.Index(payload, ",")
		if i < 0 || !strings.HasSuffix(payload[:i], ";base64") {
			return nil, fmt.Errorf("unsupported data URL")
		}
		payload = payload[i+1:]
	}
	if payload == "" {
		return nil, fmt.Errorf("empty image payload")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some servers strip the padding.
		if raw, rawErr := base64.RawStdEncoding.DecodeString(payload); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("failed to decode image payload: %w", err)
	}
	return data, nil
}

// ReadDataURL reads an image file and returns it as a data URL, suitable
// as an image-to-image source.
func ReadDataURL(path string) (string, error) {
	data, err := os.ReadFile(fileutil.ExpandHome(path))
	if err != nil {
		return "", err
	}
	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return "", fmt.Errorf("%s: %w: detected %s", path, ErrNotImage, mime.String())
	}
	return "data:" + mime.String() + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
