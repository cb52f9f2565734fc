package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const (
	DefaultLocale = "en-US"
	LayoutMode    = "layout"
)

func init() {
	// pdfcpu would otherwise create a config directory under the user's home.
	api.DisableConfigDir()
}

// PageCounter validates raw document bytes and reports their page count.
type PageCounter func(data []byte) (int, error)

// PDFPageCount parses data as a PDF in relaxed validation mode.
func PDFPageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}

// ExtractConfig holds configuration for the extract step.
type ExtractConfig struct {
	InputContainer string
	Locale         string
	Mode           string
}

// ExtractFunction downloads an uploaded document and extracts its text.
type ExtractFunction struct {
	objects    ObjectStore
	analyzer   DocumentAnalyzer
	countPages PageCounter
	config     ExtractConfig
}

// NewExtract creates an ExtractFunction. A nil counter defaults to PDFPageCount.
func NewExtract(objects ObjectStore, analyzer DocumentAnalyzer, counter PageCounter, config ExtractConfig) *ExtractFunction {
	if config.Locale == "" {
		config.Locale = DefaultLocale
	}
	if config.Mode == "" {
		config.Mode = LayoutMode
	}
	if counter == nil {
		counter = PDFPageCount
	}
	return &ExtractFunction{
		objects:    objects,
		analyzer:   analyzer,
		countPages: counter,
		config:     config,
	}
}

// Process reads objectID from the input container and returns its text with
// every line concatenated in reading order and no separators.
func (f *ExtractFunction) Process(ctx context.Context, objectID string) (*models.ExtractedDocument, error) {
	logCtx := slog.With("objectId", objectID, "container", f.config.InputContainer)
	logCtx.Info("Starting text extraction.")

	data, err := f.objects.Read(ctx, f.config.InputContainer, objectID)
	if err != nil {
		logCtx.Error("Failed to read input object", "error", err)
		if errors.Is(err, models.ErrObjectNotFound) {
			return nil, models.NewStepError(models.ErrExtractionFailed, fmt.Errorf("object %s does not exist: %w", objectID, err))
		}
		return nil, models.NewStepError(models.ErrExtractionFailed, fmt.Errorf("failed to read object %s: %w", objectID, err))
	}

	pageCount, err := f.countPages(data)
	if err != nil {
		logCtx.Error("Input object is not a readable PDF", "error", err)
		return nil, models.NewStepError(models.ErrExtractionFailed, fmt.Errorf("failed to parse %s as PDF: %w", objectID, err))
	}
	logCtx.Info("Input PDF loaded.", "sizeBytes", len(data), "pageCount", pageCount)

	result, err := f.analyzer.Analyze(ctx, models.AnalyzeRequest{
		Document: data,
		Locale:   f.config.Locale,
		Mode:     f.config.Mode,
	})
	if err != nil {
		logCtx.Error("Document analysis failed", "error", err)
		return nil, models.NewStepError(models.ErrExtractionFailed, fmt.Errorf("failed to analyze %s: %w", objectID, err))
	}

	text := ConcatenateLines(result)
	logCtx.Info("Text extraction complete.", "pages", len(result.Pages), "characters", len(text))
	return &models.ExtractedDocument{Text: text}, nil
}

// ConcatenateLines joins line contents page by page, line by line, verbatim.
func ConcatenateLines(result *models.AnalyzeResult) string {
	if result == nil {
		return ""
	}
	var sb strings.Builder
	for _, page := range result.Pages {
		for _, line := range page.Lines {
			sb.WriteString(line.Content)
		}
	}
	return sb.String()
}
