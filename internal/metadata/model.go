// Package metadata defines file records and the store that persists them.
package metadata

import (
	"path"
	"time"
)

// FileRecord describes one uploaded file and where its bytes live.
type FileRecord struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`  // owner
	Filename  string   `json:"filename"` // {id}_{original filename}
	Key       string   `json:"key"`      // physical storage key, {owner}/{filename}
	Meta      FileMeta `json:"meta"`
	CreatedAt int64    `json:"created_at"` // Unix seconds

	// StagedPath is the local copy made for remote backends. Never persisted.
	StagedPath string `json:"staged_path,omitempty"`
}

// FileMeta holds the attributes recorded at upload time.
type FileMeta struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Path        string `json:"path"` // owner-scoped directory, equal to the owner id
}

// StoredFilename returns the name an upload is stored under.
func StoredFilename(id, originalFilename string) string {
	return id + "_" + originalFilename
}

// StorageKey returns the physical key for a file owned by ownerID.
func StorageKey(ownerID, storedFilename string) string {
	return path.Join(ownerID, storedFilename)
}

// NewFileRecord builds the record for a new upload. The key is derived once
// here and stored, so reads never reconstruct it.
func NewFileRecord(id, ownerID, originalFilename, contentType string, size int64) *FileRecord {
	filename := StoredFilename(id, originalFilename)
	return &FileRecord{
		ID:       id,
		UserID:   ownerID,
		Filename: filename,
		Key:      StorageKey(ownerID, filename),
		Meta: FileMeta{
			Name:        filename,
			ContentType: contentType,
			Size:        size,
			Path:        ownerID,
		},
		CreatedAt: time.Now().Unix(),
	}
}

// OwnedBy reports whether userID owns the record.
func (r *FileRecord) OwnedBy(userID string) bool {
	return r.UserID == userID
}
