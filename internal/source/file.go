package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/medikontrol/go-sut/internal/domain/prescription"
)

// FileSource streams prescriptions from a JSON file. The file holds either a
// bare array of prescriptions or an object with a "prescriptions" array.
type FileSource struct {
	path string
	tag  string
	file *os.File
	dec  *json.Decoder

	started bool
	done    bool
}

// NewFileSource opens the file. The source tag is the file name without its
// extension.
func NewFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prescription file: %w", err)
	}

	base := filepath.Base(path)
	tag := strings.TrimSuffix(base, filepath.Ext(base))

	return &FileSource{
		path: path,
		tag:  tag,
		file: f,
		dec:  json.NewDecoder(f),
	}, nil
}

func (s *FileSource) Tag() string { return s.tag }

// Next decodes the next prescription. Items are decoded lazily, so a large
// file never sits fully in memory.
func (s *FileSource) Next(ctx context.Context) (*prescription.Prescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.done {
		return nil, nil
	}
	if !s.started {
		if err := s.seekArray(); err != nil {
			return nil, err
		}
		s.started = true
	}

	if !s.dec.More() {
		s.done = true
		return nil, nil
	}

	var p prescription.Prescription
	if err := s.dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode prescription in %s: %w", s.path, err)
	}
	return &p, nil
}

// seekArray positions the decoder at the first array element, unwrapping an
// optional {"prescriptions": [...]} envelope.
func (s *FileSource) seekArray() error {
	tok, err := s.dec.Token()
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return fmt.Errorf("read %s: expected array or object, got %v", s.path, tok)
	}

	switch delim {
	case '[':
		return nil
	case '{':
		for {
			keyTok, err := s.dec.Token()
			if err != nil {
				return fmt.Errorf("read %s: %w", s.path, err)
			}
			if d, ok := keyTok.(json.Delim); ok && d == '}' {
				return fmt.Errorf("read %s: no prescriptions array found", s.path)
			}
			key, _ := keyTok.(string)
			if key == "prescriptions" {
				open, err := s.dec.Token()
				if err != nil {
					return fmt.Errorf("read %s: %w", s.path, err)
				}
				if d, ok := open.(json.Delim); !ok || d != '[' {
					return fmt.Errorf("read %s: prescriptions is not an array", s.path)
				}
				return nil
			}
			// Skip this key's value.
			var skip json.RawMessage
			if err := s.dec.Decode(&skip); err != nil {
				return fmt.Errorf("read %s: %w", s.path, err)
			}
		}
	default:
		return fmt.Errorf("read %s: unexpected token %v", s.path, delim)
	}
}

func (s *FileSource) Close() error {
	return s.file.Close()
}

var _ PrescriptionSource = (*FileSource)(nil)
