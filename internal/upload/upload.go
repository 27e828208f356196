// Package upload accepts identity photos from multipart requests and keeps
// them in a Store under generated names.
package upload

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"clientdesk/internal/apperr"
	"clientdesk/internal/ids"
	"clientdesk/internal/metrics"

	"go.uber.org/zap"
)

const (
	// DefaultFieldName is the multipart field that carries the photo.
	DefaultFieldName = "idPhoto"
	// DefaultMaxSize is the largest accepted photo.
	DefaultMaxSize = 5 << 20

	// formOverhead is the room left for text fields and multipart framing.
	formOverhead = 1 << 20
	sniffLen     = 512
)

const (
	msgTooLarge    = "File upload error: file too large"
	msgUnsupported = "File upload error: unsupported file type"
	msgTooMany     = "File upload error: only one file is allowed"
	msgUnexpected  = "File upload error: unexpected field"
	msgMalformed   = "File upload error: malformed multipart body"
)

var (
	// ErrExists is returned by a Store asked to overwrite a name.
	ErrExists = errors.New("upload: file already exists")
	// ErrNotFound is returned by a Store for unknown names.
	ErrNotFound = errors.New("upload: file not found")
)

// Config limits what Accept lets through.
type Config struct {
	FieldName    string
	MaxSize      int64
	AllowedTypes []string
}

// DefaultConfig returns the stock photo limits.
func DefaultConfig() Config {
	return Config{
		FieldName:    DefaultFieldName,
		MaxSize:      DefaultMaxSize,
		AllowedTypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
	}
}

func (c Config) allowed(contentType string) bool {
	for _, t := range c.AllowedTypes {
		if strings.EqualFold(strings.TrimSpace(t), contentType) {
			return true
		}
	}
	return false
}

// Store keeps photo bytes by name. Put must fail with ErrExists rather than
// overwrite.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Remove(ctx context.Context, name string) error
}

// File is an accepted, not yet stored photo.
type File struct {
	Filename    string
	ContentType string
	Size        int64

	f multipart.File
}

// Form is a parsed client-creation request. Close releases the file and
// any temporary files of the multipart parser.
type Form struct {
	Values url.Values
	// File is nil when the request carried no photo.
	File *File

	form *multipart.Form
}

// Value returns the first value of a text field.
func (f *Form) Value(key string) string {
	return f.Values.Get(key)
}

func (f *Form) Close() error {
	var err error
	if f.File != nil && f.File.f != nil {
		err = f.File.f.Close()
	}
	if f.form != nil {
		if rmErr := f.form.RemoveAll(); err == nil {
			err = rmErr
		}
	}
	return err
}

// Handler validates uploads and moves them into a Store.
type Handler struct {
	cfg   Config
	store Store
	log   *zap.SugaredLogger
}

// NewHandler creates a Handler. Zero fields of cfg take DefaultConfig values.
func NewHandler(cfg Config, store Store, log *zap.SugaredLogger) *Handler {
	def := DefaultConfig()
	if cfg.FieldName == "" {
		cfg.FieldName = def.FieldName
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = def.AllowedTypes
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{cfg: cfg, store: store, log: log}
}

// Accept parses the multipart body of r. The photo, if present, has been
// checked against size and type limits. Callers must Close the form.
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) (*Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxSize+formOverhead)

	if err := r.ParseMultipartForm(h.cfg.MaxSize); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			metrics.RecordUpload(metrics.UploadTooLarge)
			return nil, apperr.Validation(msgTooLarge, h.cfg.FieldName)
		}
		return nil, apperr.Validation(msgMalformed)
	}

	mf := r.MultipartForm
	form := &Form{Values: url.Values(mf.Value), form: mf}

	for field := range mf.File {
		if field != h.cfg.FieldName {
			form.Close()
			return nil, apperr.Validation(msgUnexpected, field)
		}
	}

	headers := mf.File[h.cfg.FieldName]
	switch len(headers) {
	case 0:
		return form, nil
	case 1:
	default:
		form.Close()
		return nil, apperr.Validation(msgTooMany, h.cfg.FieldName)
	}

	file, err := h.open(headers[0])
	if err != nil {
		form.Close()
		return nil, err
	}
	form.File = file
	return form, nil
}

func (h *Handler) open(fh *multipart.FileHeader) (*File, error) {
	if fh.Size > h.cfg.MaxSize {
		metrics.RecordUpload(metrics.UploadTooLarge)
		return nil, apperr.Validation(msgTooLarge, h.cfg.FieldName)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, apperr.Internal("File upload error", err)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		f.Close()
		return nil, apperr.Internal("File upload error", err)
	}
	contentType := http.DetectContentType(head[:n])
	if !h.cfg.allowed(contentType) {
		f.Close()
		metrics.RecordUpload(metrics.UploadUnsupported)
		return nil, apperr.Validation(msgUnsupported, h.cfg.FieldName)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, apperr.Internal("File upload error", err)
	}

	return &File{
		Filename:    fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		f:           f,
	}, nil
}

// Save stores f under a fresh name and returns that name.
func (h *Handler) Save(ctx context.Context, f *File) (string, error) {
	name := ids.NewKSUID() + extension(f.ContentType)
	if err := h.store.Put(ctx, name, f.f, f.Size, f.ContentType); err != nil {
		metrics.RecordUpload(metrics.UploadFailed)
		return "", err
	}
	metrics.RecordUpload(metrics.UploadStored)
	h.log.Debugw("photo stored", "name", name, "size", f.Size, "content_type", f.ContentType)
	return name, nil
}

// Discard removes a stored photo that ended up unreferenced.
func (h *Handler) Discard(ctx context.Context, name string) {
	if err := h.store.Remove(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
		h.log.Warnw("failed to remove orphaned photo", "name", name, "error", err)
	}
}

// Open returns the stored photo called name.
func (h *Handler) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return h.store.Open(ctx, name)
}

var knownExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func extension(contentType string) string {
	if ext, ok := knownExtensions[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// ContentTypeOf guesses the content type of a stored name from its extension.
func ContentTypeOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i >= 0 {
		for ct, ext := range knownExtensions {
			if ext == name[i:] {
				return ct
			}
		}
		if ct := mime.TypeByExtension(name[i:]); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

// validName rejects names that could escape a store's namespace.
func validName(name string) bool {
	if name == "" || name[0] == '.' {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
