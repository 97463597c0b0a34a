// Package extraction provides the OCR engines behind the pipeline's extract step.
// Engines register a constructor by name; OCR_ENGINE selects one at startup.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/invoice-intake-pipeline/internal/config"
	"github.com/invoice-intake-pipeline/internal/domain/document"
)

// Engine reads a document and returns its text and any fields it recognised
type Engine interface {
	ProcessDocument(ctx context.Context, file *document.File) (*document.Extraction, error)
	Name() string
}

// Constructor builds an engine from the OCR config section
type Constructor func(cfg config.OCRConfig, logger *slog.Logger) (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes an engine available under name. Later registrations replace earlier ones.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Available lists the registered engine names
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the engine named by cfg.Engine
func New(cfg config.OCRConfig, logger *slog.Logger) (Engine, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Engine]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown OCR engine %q (available: %v)", cfg.Engine, Available())
	}
	engine, err := ctor(cfg, logger.With("engine", cfg.Engine))
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR engine %q: %w", cfg.Engine, err)
	}
	return engine, nil
}

func init() {
	Register(EngineHTTP, func(cfg config.OCRConfig, logger *slog.Logger) (Engine, error) {
		return NewHTTPEngine(cfg, logger)
	})
	Register(EngineText, func(cfg config.OCRConfig, logger *slog.Logger) (Engine, error) {
		return NewTextEngine(logger), nil
	})
}
