//go:build tesseract

package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/domain/document"
	"github.com/otiai10/gosseract/v2"
)

const EngineTesseract = "tesseract"

func init() {
	Register(EngineTesseract, func(cfg config.OCRConfig, logger *slog.Logger) (Engine, error) {
		return NewTesseractEngine(cfg, logger), nil
	})
}

// TesseractEngine runs a local Tesseract install through gosseract. It reads raster
// images only; PDFs must go through the http engine.
type TesseractEngine struct {
	languages     []string
	clientFactory func() *gosseract.Client
	logger        *slog.Logger
}

func NewTesseractEngine(cfg config.OCRConfig, logger *slog.Logger) *TesseractEngine {
	var langs []string
	for _, l := range strings.Split(cfg.Language, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return &TesseractEngine{languages: langs, clientFactory: gosseract.NewClient, logger: logger}
}

func (e *TesseractEngine) Name() string { return EngineTesseract }

func (e *TesseractEngine) ProcessDocument(ctx context.Context, file *document.File) (*document.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	detected := mimetype.Detect(file.Data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return &document.Extraction{
			Success: false,
			Engine:  EngineTesseract,
			Error:   "tesseract engine cannot read " + detected.String(),
		}, nil
	}

	c := e.clientFactory()
	defer c.Close()

	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetImageFromBytes(file.Data); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	confidence := averageConfidence(c)
	plain := strings.TrimSpace(text)
	e.logger.Debug("tesseract recognized document", "file_name", file.Name, "confidence", confidence)

	return &document.Extraction{
		Success:    plain != "",
		Text:       plain,
		Confidence: confidence,
		PageCount:  1,
		Engine:     EngineTesseract,
		Error:      emptyReason(plain),
	}, nil
}

func averageConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}
