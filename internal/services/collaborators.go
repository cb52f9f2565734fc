package services

import (
	"context"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
)

// ObjectStore reads and writes byte blobs by container and name.
// Implementations must be safe for concurrent use.
type ObjectStore interface {
	Read(ctx context.Context, container, name string) ([]byte, error)
	// Write creates the object. Writing a name that already exists is not an
	// error and leaves the stored object untouched.
	Write(ctx context.Context, container, name string, data []byte) error
}

// DocumentAnalyzer turns raw document bytes into pages of text lines.
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, req models.AnalyzeRequest) (*models.AnalyzeResult, error)
}

// Summarizer produces a short summary of extracted text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (*models.Summary, error)
}
