package file

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// DirMediaStore implements store.MediaStore over a local directory.
// A media ref is a path relative to the directory.
type DirMediaStore struct {
	root string
}

func NewDirMediaStore(root string) *DirMediaStore {
	return &DirMediaStore{root: root}
}

func (s *DirMediaStore) Resolve(_ context.Context, ref string) (*store.MediaObject, error) {
	if ref == "" || strings.Contains(ref, "..") || filepath.IsAbs(ref) {
		return nil, fmt.Errorf("invalid media ref %q", ref)
	}
	path := filepath.Join(s.root, filepath.FromSlash(ref))
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("media %s: %w", ref, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read media %s: %w", ref, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &store.MediaObject{
		Ref:      ref,
		Data:     data,
		MimeType: mimeType,
		FileName: filepath.Base(path),
	}, nil
}
