package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
)

// PlaceholderSummary is returned by PlaceholderSummarizer for every input.
const PlaceholderSummary = "This is a mock summary of the uploaded PDF content. " +
	"The real AI summary has been temporarily replaced due to quota restrictions. " +
	"This allows you to continue workflow testing without Azure OpenAI."

// PlaceholderSummarizer is a deterministic stand-in for a summarization
// backend. Swap it for a real Summarizer through configuration.
type PlaceholderSummarizer struct{}

func (PlaceholderSummarizer) Summarize(_ context.Context, _ string) (*models.Summary, error) {
	slog.Warn("Using placeholder summarization; no summarization backend is configured.")
	return &models.Summary{Content: PlaceholderSummary}, nil
}

// SummarizeFunction runs the configured Summarizer over extracted text.
type SummarizeFunction struct {
	summarizer Summarizer
}

func NewSummarize(summarizer Summarizer) *SummarizeFunction {
	return &SummarizeFunction{summarizer: summarizer}
}

// Process summarizes doc.Text.
func (f *SummarizeFunction) Process(ctx context.Context, doc models.ExtractedDocument) (*models.Summary, error) {
	logCtx := slog.With("characters", len(doc.Text))
	logCtx.Info("Starting summarization.")

	summary, err := f.summarizer.Summarize(ctx, doc.Text)
	if err != nil {
		logCtx.Error("Summarization backend failed", "error", err)
		return nil, models.NewStepError(models.ErrSummarizationFailed, fmt.Errorf("failed to summarize text: %w", err))
	}
	if summary == nil {
		return nil, models.NewStepError(models.ErrSummarizationFailed, fmt.Errorf("summarizer returned no summary"))
	}

	logCtx.Info("Summarization complete.", "summaryLength", len(summary.Content))
	return summary, nil
}
