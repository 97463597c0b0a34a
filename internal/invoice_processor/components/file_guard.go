package components

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const mimePDF = "application/pdf"

type FileGuardImpl struct {
	maxSize      int64
	allowedTypes []string
	logger       *slog.Logger
}

func NewFileGuard(cfg config.OCRConfig, logger *slog.Logger) *FileGuardImpl {
	return &FileGuardImpl{
		maxSize:      cfg.MaxFileSize,
		allowedTypes: cfg.AllowedTypes,
		logger:       logger,
	}
}

// ValidateFile sniffs the content type from the bytes, enforces the size limit and the
// allow-list, and checks PDF structure. Problems are reported in the returned check;
// an error is returned only when ctx is done.
func (g *FileGuardImpl) ValidateFile(ctx context.Context, file *document.File) (*document.FileCheck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	check := &document.FileCheck{IsValid: true}
	if file == nil || len(file.Data) == 0 {
		check.IsValid = false
		check.Errors = append(check.Errors, "file is empty")
		return check, nil
	}

	size := int64(len(file.Data))
	if g.maxSize > 0 && size > g.maxSize {
		check.Errors = append(check.Errors, fmt.Sprintf("file size %d bytes exceeds limit of %d bytes", size, g.maxSize))
	}

	detected := mimetype.Detect(file.Data)
	check.DetectedType = baseType(detected)
	if !g.allowed(detected) {
		check.Errors = append(check.Errors, fmt.Sprintf("file type %s is not allowed", check.DetectedType))
	}
	if file.ContentType != "" && !detected.Is(file.ContentType) {
		g.logger.Debug("declared content type differs from detected type",
			"file_name", file.Name,
			"declared", file.ContentType,
			"detected", check.DetectedType)
	}

	if detected.Is(mimePDF) {
		pages, err := inspectPDF(file.Data)
		if err != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("invalid PDF: %v", err))
		} else {
			check.PageCount = pages
		}
	}

	if len(check.Errors) > 0 {
		check.IsValid = false
		g.logger.Info("file rejected", "file_name", file.Name, "errors", check.Errors)
	}
	return check, nil
}

func (g *FileGuardImpl) allowed(detected *mimetype.MIME) bool {
	if len(g.allowedTypes) == 0 {
		return true
	}
	for m := detected; m != nil; m = m.Parent() {
		for _, allowed := range g.allowedTypes {
			if m.Is(allowed) {
				return true
			}
		}
	}
	return false
}

// inspectPDF validates the document in relaxed mode and returns its page count
func inspectPDF(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return 0, err
	}
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, err
	}
	if pages == 0 {
		return 0, errors.New("document has no pages")
	}
	return pages, nil
}

// baseType strips parameters such as "; charset=utf-8"
func baseType(m *mimetype.MIME) string {
	t, _, _ := strings.Cut(m.String(), ";")
	return strings.TrimSpace(t)
}
