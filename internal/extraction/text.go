package extraction

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/invoice-intake-pipeline/internal/domain/document"
)

const EngineText = "text"

// TextEngine "extracts" documents that already are text. Anything else is reported
// as an unsuccessful extraction. Used for plain-text uploads and local development.
type TextEngine struct {
	logger *slog.Logger
}

func NewTextEngine(logger *slog.Logger) *TextEngine {
	return &TextEngine{logger: logger}
}

func (e *TextEngine) Name() string { return EngineText }

func (e *TextEngine) ProcessDocument(ctx context.Context, file *document.File) (*document.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detected := mimetype.Detect(file.Data)
	if !isText(detected) || !utf8.Valid(file.Data) {
		return &document.Extraction{
			Success: false,
			Engine:  EngineText,
			Error:   "text engine cannot read " + detected.String(),
		}, nil
	}

	text := strings.TrimSpace(string(file.Data))
	e.logger.Debug("text document read", "file_name", file.Name, "chars", utf8.RuneCountInString(text))
	return &document.Extraction{
		Success:    text != "",
		Text:       text,
		Confidence: 1.0,
		PageCount:  1,
		Engine:     EngineText,
		Error:      emptyReason(text),
	}, nil
}

func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func emptyReason(text string) string {
	if text == "" {
		return "document is empty"
	}
	return ""
}
