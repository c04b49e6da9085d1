package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/autoreply/internal/store"
)

// PGMediaStore implements store.MediaStore over the media_files table.
type PGMediaStore struct {
	db *sql.DB
}

func NewPGMediaStore(db *sql.DB) *PGMediaStore {
	return &PGMediaStore{db: db}
}

func (s *PGMediaStore) Resolve(ctx context.Context, ref string) (*store.MediaObject, error) {
	obj := &store.MediaObject{Ref: ref}
	var fileName sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT file_name, mime_type, data FROM media_files WHERE id = $1`, ref,
	).Scan(&fileName, &obj.MimeType, &obj.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media %s: %w", ref, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load media %s: %w", ref, err)
	}
	obj.FileName = fileName.String
	return obj, nil
}
