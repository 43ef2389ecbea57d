// Package service implements the file operations behind the HTTP API.
package service

import (
	"context"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"asisaid.cn/filestore/internal/common/errors"
	"asisaid.cn/filestore/internal/common/logger"
	"asisaid.cn/filestore/internal/metadata"
	"asisaid.cn/filestore/internal/storage"
)

// Caller identifies who is asking. Admins may touch any record.
type Caller struct {
	ID    string
	Admin bool
}

// DefaultReconcileGrace is how old an unmatched object or record must be
// before Reconcile removes it.
const DefaultReconcileGrace = 5 * time.Minute

// FileService handles file operations.
type FileService struct {
	storage        storage.Backend
	metadata       metadata.Store
	reconcileGrace time.Duration
	logger         *zap.Logger
}

// Option configures a FileService.
type Option func(*FileService)

// WithReconcileGrace overrides DefaultReconcileGrace. Zero disables the window.
func WithReconcileGrace(d time.Duration) Option {
	return func(s *FileService) {
		s.reconcileGrace = d
	}
}

// NewFileService creates a new FileService.
func NewFileService(storageBackend storage.Backend, metaStore metadata.Store, opts ...Option) *FileService {
	s := &FileService{
		storage:        storageBackend,
		metadata:       metaStore,
		reconcileGrace: DefaultReconcileGrace,
		logger:         logger.WithComponent("FileService"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UploadRequest represents a file upload request.
type UploadRequest struct {
	Content     io.Reader
	OwnerID     string
	Filename    string
	ContentType string
	Size        int64 // 0 or less when unknown
}

// Content is an open object together with the record it belongs to.
// Callers must close Body.
type Content struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
	Record      *metadata.FileRecord
}

// ReconcileReport lists what Reconcile removed.
type ReconcileReport struct {
	OrphanObjects   []string `json:"orphan_objects"`   // keys with no record
	DanglingRecords []string `json:"dangling_records"` // record ids with no object
	Deferred        []string `json:"deferred"`         // keys or ids inside the grace window
}

// Upload stores the content and records it. If the record cannot be written
// the object is removed again.
func (s *FileService) Upload(ctx context.Context, req *UploadRequest) (*metadata.FileRecord, error) {
	const op = "FileService.Upload"

	if req == nil || req.Content == nil {
		return nil, errors.E(op, errors.ErrInvalidInput, nil, "no content provided")
	}
	if err := validateOwner(req.OwnerID); err != nil {
		return nil, errors.Wrap(op, err)
	}

	name, err := SanitizeFilename(req.Filename)
	if err != nil {
		return nil, errors.Wrap(op, err)
	}

	contentType := DetectContentType(name, req.ContentType)
	rec := metadata.NewFileRecord(uuid.New().String(), req.OwnerID, name, contentType, req.Size)

	s.logger.Info("uploading file",
		zap.String("file_id", rec.ID),
		zap.String("owner", rec.UserID),
		zap.String("key", rec.Key),
		zap.Int64("size", req.Size),
	)

	// Seekable bodies with a known size go through untouched.
	body := req.Content
	var counter *countingReader
	if req.Size <= 0 {
		counter = &countingReader{r: req.Content}
		body = counter
	}

	if _, err := s.storage.Put(ctx, rec.Key, body, req.Size, contentType); err != nil {
		s.logger.Error("failed to store file", zap.String("key", rec.Key), zap.Error(err))
		return nil, errors.E(op, errors.ErrUploadFailed, err)
	}
	if counter != nil {
		rec.Meta.Size = counter.n
	}

	if err := s.metadata.Insert(ctx, rec); err != nil {
		s.logger.Error("failed to save record, removing object",
			zap.String("file_id", rec.ID),
			zap.Error(err),
		)
		if derr := s.storage.Delete(ctx, rec.Key); derr != nil && !errors.IsNotFound(derr) {
			s.logger.Warn("orphan object left behind, run reconcile",
				zap.String("key", rec.Key),
				zap.Error(derr),
			)
		}
		return nil, errors.E(op, errors.ErrUploadFailed, err)
	}

	s.logger.Info("file uploaded successfully",
		zap.String("file_id", rec.ID),
		zap.Int64("size", rec.Meta.Size),
	)

	return rec, nil
}

// List returns every record.
func (s *FileService) List(ctx context.Context) ([]*metadata.FileRecord, error) {
	records, err := s.metadata.List(ctx)
	if err != nil {
		return nil, errors.Wrap("FileService.List", err)
	}
	return records, nil
}

// ListByOwner returns the records owned by ownerID.
func (s *FileService) ListByOwner(ctx context.Context, ownerID string) ([]*metadata.FileRecord, error) {
	records, err := s.metadata.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, errors.Wrap("FileService.ListByOwner", err)
	}
	return records, nil
}

// ListFor returns what caller may see: everything for admins, their own
// records otherwise.
func (s *FileService) ListFor(ctx context.Context, caller Caller) ([]*metadata.FileRecord, error) {
	if caller.Admin {
		return s.List(ctx)
	}
	return s.ListByOwner(ctx, caller.ID)
}

// ListKeys returns the raw keys held by the storage backend.
func (s *FileService) ListKeys(ctx context.Context) ([]string, error) {
	objects, err := s.storage.List(ctx)
	if err != nil {
		return nil, errors.Wrap("FileService.ListKeys", err)
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// GetMetadata returns the record for id. Remote backends that can stage a
// local copy do so, and the path is reported in StagedPath.
func (s *FileService) GetMetadata(ctx context.Context, caller Caller, id string) (*metadata.FileRecord, error) {
	const op = "FileService.GetMetadata"

	rec, err := s.authorize(ctx, op, caller, id)
	if err != nil {
		return nil, err
	}

	if stager, ok := s.storage.(storage.Stager); ok {
		staged, err := stager.Stage(ctx, rec.Key)
		if err != nil {
			return nil, errors.Wrap(op, err)
		}
		rec.StagedPath = staged
	}

	return rec, nil
}

// GetContent opens the object behind id.
func (s *FileService) GetContent(ctx context.Context, caller Caller, id string) (*Content, error) {
	const op = "FileService.GetContent"

	rec, err := s.authorize(ctx, op, caller, id)
	if err != nil {
		return nil, err
	}

	obj, err := s.storage.Get(ctx, rec.Key)
	if err != nil {
		return nil, errors.Wrap(op, err)
	}

	contentType := rec.Meta.ContentType
	if contentType == "" {
		contentType = obj.ContentType
	}

	return &Content{
		Body:        obj.Body,
		ContentType: contentType,
		Size:        obj.Size,
		Record:      rec,
	}, nil
}

// Delete removes the object and its record. An object that is already gone
// does not prevent the record from being removed.
func (s *FileService) Delete(ctx context.Context, caller Caller, id string) error {
	const op = "FileService.Delete"

	rec, err := s.authorize(ctx, op, caller, id)
	if err != nil {
		return err
	}

	if err := s.storage.Delete(ctx, rec.Key); err != nil {
		if !errors.IsNotFound(err) {
			return errors.Wrap(op, err)
		}
		s.logger.Warn("object already missing", zap.String("file_id", id), zap.String("key", rec.Key))
	}

	// A concurrent Delete or Reconcile may have removed the record already.
	if err := s.metadata.Delete(ctx, id); err != nil && !errors.IsNotFound(err) {
		return errors.Wrap(op, err)
	}

	s.logger.Info("file deleted", zap.String("file_id", id))
	return nil
}

// DeleteAll removes every object and every record.
func (s *FileService) DeleteAll(ctx context.Context) error {
	const op = "FileService.DeleteAll"

	if err := s.storage.DeleteAll(ctx); err != nil {
		return errors.Wrap(op, err)
	}
	if err := s.metadata.DeleteAll(ctx); err != nil {
		return errors.Wrap(op, err)
	}

	s.logger.Info("all files deleted")
	return nil
}

// Reconcile removes objects nobody references and records whose object is
// gone. Anything younger than the reconcile grace is left for a later run, so
// an upload between Put and Insert is never mistaken for an orphan.
func (s *FileService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	const op = "FileService.Reconcile"

	// Records first: an object created after this listing is either young or
	// re-checked below.
	records, err := s.metadata.List(ctx)
	if err != nil {
		return nil, errors.Wrap(op, err)
	}
	objects, err := s.storage.List(ctx)
	if err != nil {
		return nil, errors.Wrap(op, err)
	}

	stored := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		stored[obj.Key] = struct{}{}
	}
	referenced := make(map[string]struct{}, len(records))
	for _, rec := range records {
		referenced[rec.Key] = struct{}{}
	}

	report := &ReconcileReport{
		OrphanObjects:   []string{},
		DanglingRecords: []string{},
		Deferred:        []string{},
	}

	for _, obj := range objects {
		if _, ok := referenced[obj.Key]; ok {
			continue
		}
		if s.tooYoung(obj.ModTime) {
			report.Deferred = append(report.Deferred, obj.Key)
			continue
		}
		owned, err := s.hasRecordFor(ctx, obj.Key)
		if err != nil {
			return nil, errors.Wrap(op, err)
		}
		if owned {
			continue
		}
		if err := s.storage.Delete(ctx, obj.Key); err != nil && !errors.IsNotFound(err) {
			return nil, errors.Wrap(op, err)
		}
		report.OrphanObjects = append(report.OrphanObjects, obj.Key)
	}

	for _, rec := range records {
		if _, ok := stored[rec.Key]; ok {
			continue
		}
		if s.tooYoung(time.Unix(rec.CreatedAt, 0)) {
			report.Deferred = append(report.Deferred, rec.ID)
			continue
		}
		exists, err := s.objectExists(ctx, rec.Key)
		if err != nil {
			return nil, errors.Wrap(op, err)
		}
		if exists {
			continue
		}
		if err := s.metadata.Delete(ctx, rec.ID); err != nil && !errors.IsNotFound(err) {
			return nil, errors.Wrap(op, err)
		}
		report.DanglingRecords = append(report.DanglingRecords, rec.ID)
	}

	s.logger.Info("reconcile finished",
		zap.Int("orphan_objects", len(report.OrphanObjects)),
		zap.Int("dangling_records", len(report.DanglingRecords)),
		zap.Int("deferred", len(report.Deferred)),
	)

	return report, nil
}

func (s *FileService) tooYoung(t time.Time) bool {
	return s.reconcileGrace > 0 && time.Since(t) < s.reconcileGrace
}

// hasRecordFor reports whether a record now points at key. Keys end in
// {id}_{filename}, so the id is recovered from the base name.
func (s *FileService) hasRecordFor(ctx context.Context, key string) (bool, error) {
	id, _, ok := strings.Cut(path.Base(key), "_")
	if !ok || id == "" {
		return false, nil
	}

	rec, err := s.metadata.Get(ctx, id)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Key == key, nil
}

func (s *FileService) objectExists(ctx context.Context, key string) (bool, error) {
	obj, err := s.storage.Get(ctx, key)
	if errors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	obj.Body.Close()
	return true, nil
}

// Ping checks the storage backend when it can report reachability.
func (s *FileService) Ping(ctx context.Context) error {
	if pinger, ok := s.storage.(storage.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func (s *FileService) authorize(ctx context.Context, op string, caller Caller, id string) (*metadata.FileRecord, error) {
	rec, err := s.metadata.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(op, err)
	}

	if !caller.Admin && !rec.OwnedBy(caller.ID) {
		return nil, errors.E(op, errors.ErrForbidden, nil, id)
	}

	return rec, nil
}

// SanitizeFilename reduces a client supplied name to a bare file name.
func SanitizeFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))

	switch name {
	case "", ".", "..", "/":
		return "", errors.E("service.SanitizeFilename", errors.ErrInvalidInput, nil, "filename is required")
	}
	return name, nil
}

// DetectContentType returns declared, or a type guessed from the extension
// when the client sent nothing more specific than the default.
func DetectContentType(filename, declared string) string {
	if declared != "" && declared != storage.DefaultContentType {
		return declared
	}
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return storage.DefaultContentType
}

// validateOwner rejects owner ids that are not a single key segment. Leading
// dots are refused too, which keeps owners off reserved names like ".temp".
func validateOwner(owner string) error {
	if owner == "" || strings.ContainsAny(owner, "/\\\x00") || strings.HasPrefix(owner, ".") {
		return errors.E("service.validateOwner", errors.ErrInvalidInput, nil, "invalid owner id")
	}
	return nil
}

// countingReader records how many bytes passed through.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ io.Reader = (*countingReader)(nil)
