// Package extract stores uploaded PDF files and extracts their text.
//
// It uses ledongthuc/pdf (BSD-3, pure Go, no CGO) for parsing. Files are
// validated at upload (header, size, encryption) and kept read-only on
// disk; extraction re-reads the blob on every run so node executors stay
// stateless.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	loom "github.com/loomworks/loom"
)

// MaxPDFBytes is the upload size cap.
const MaxPDFBytes = 10 << 20 // 10 MiB

// pdfHeader is the magic every PDF starts with.
var pdfHeader = []byte("%PDF-")

// Service validates, stores, and extracts uploaded PDFs. It implements
// loom.TextExtractor for the extract_text node executor.
type Service struct {
	store  loom.Store
	dir    string
	logger *slog.Logger
	now    func() int64
}

var _ loom.TextExtractor = (*Service)(nil)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a structured logger for the service.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the created_at source (Unix milliseconds).
func WithClock(now func() int64) ServiceOption {
	return func(s *Service) { s.now = now }
}

// New creates a Service writing blobs under dir. The directory is created
// if missing.
func New(store loom.Store, dir string, opts ...ServiceOption) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("extract: create data dir: %w", err)
	}
	s := &Service{store: store, dir: dir, now: loom.NowMilli}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Save validates and persists an uploaded PDF. Rejections are
// *loom.ErrValidation: wrong header, over MaxPDFBytes, unparseable, or
// encrypted.
func (s *Service) Save(ctx context.Context, filename string, data []byte) (loom.UploadedFile, error) {
	if len(data) == 0 {
		return loom.UploadedFile{}, loom.Validationf("empty upload")
	}
	if len(data) > MaxPDFBytes {
		return loom.UploadedFile{}, loom.Validationf("file exceeds %d bytes", MaxPDFBytes)
	}
	if !bytes.HasPrefix(data, pdfHeader) {
		return loom.UploadedFile{}, loom.Validationf("not a PDF file")
	}
	if err := checkParsable(data); err != nil {
		return loom.UploadedFile{}, err
	}

	f := loom.UploadedFile{
		ID:        loom.NewID(),
		Filename:  filename,
		MimeType:  "application/pdf",
		SizeBytes: int64(len(data)),
		CreatedAt: s.now(),
	}
	f.Path = filepath.Join(s.dir, f.ID+".pdf")

	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return loom.UploadedFile{}, fmt.Errorf("extract: write blob: %w", err)
	}
	if err := s.store.InsertFile(ctx, f); err != nil {
		_ = os.Remove(f.Path)
		return loom.UploadedFile{}, err
	}

	s.logger.Info("file uploaded",
		"file_id", f.ID,
		"filename", f.Filename,
		"size_bytes", f.SizeBytes)
	return f, nil
}

// Get returns the stored record for a file id.
func (s *Service) Get(ctx context.Context, fileID string) (loom.UploadedFile, error) {
	return s.store.GetFile(ctx, fileID)
}

// Read returns the raw blob for a file id.
func (s *Service) Read(ctx context.Context, fileID string) (loom.UploadedFile, []byte, error) {
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return loom.UploadedFile{}, nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return loom.UploadedFile{}, nil, &loom.ErrNotFound{Entity: "file blob", ID: fileID}
		}
		return loom.UploadedFile{}, nil, fmt.Errorf("extract: read blob: %w", err)
	}
	return f, data, nil
}

// ExtractText parses the stored PDF and returns its text, pages joined
// with a blank line. Fails when the document has no extractable text.
func (s *Service) ExtractText(ctx context.Context, fileID string) (string, error) {
	f, data, err := s.Read(ctx, fileID)
	if err != nil {
		return "", err
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", loom.Validationf("parse pdf %s: %v", fileID, err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue // skip unreadable pages
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}

	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", loom.Validationf("no extractable text in %s", f.Filename)
	}
	s.logger.Debug("text extracted", "file_id", fileID, "pages", r.NumPage(), "chars", len(out))
	return out, nil
}

// checkParsable opens the document once at upload time so broken or
// encrypted files are refused before any workflow references them.
func checkParsable(data []byte) error {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		// NewReader fails with ErrInvalidPassword for encrypted documents
		// because no password is supplied.
		if isEncryptedErr(err) {
			return loom.Validationf("encrypted PDF not supported")
		}
		return loom.Validationf("invalid PDF: %v", err)
	}
	if !r.Trailer().Key("Encrypt").IsNull() {
		return loom.Validationf("encrypted PDF not supported")
	}
	return nil
}

func isEncryptedErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "encrypt") || strings.Contains(msg, "password")
}
