package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/documentsummaryflow/internal/models"
)

const DefaultGeminiModel = "gemini-1.5-pro"

// --- Summarizer Model Prompts ---
const SummarizerSystemPrompt = "You are a precise document summarizer. You write short, faithful summaries of business documents."
const SummarizerUserPrompt = `Summarize the document text below in one short paragraph.
Keep the key facts, figures and conclusions. Do not add information that is not in the text.
Return ONLY the summary, without a preamble.

Document text:
`

// --- Layout Analyzer Model Prompts ---
const AnalyzerSystemPrompt = "You are a document layout parser. You transcribe the text of a PDF exactly as printed, in reading order. You must output your response as a valid JSON array."
const AnalyzerUserPrompt = `Transcribe the attached PDF.

Follow these rules precisely:
1.  Produce one JSON object per page, in page order.
2.  Each object must have exactly two keys:
    - "pageNumber": the 1-based page number.
    - "lines": an array of strings, one per printed line of text, in reading order.
3.  Copy each line verbatim. Do not translate, correct, or summarize.
4.  The final output MUST be a single, valid JSON array. Do not include any text before or after it.`

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

// VertexClient holds the pre-configured generative models for the pipeline.
type VertexClient struct {
	SummarizerModel *genai.GenerativeModel
	AnalyzerModel   *genai.GenerativeModel
	baseClient      *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	summarizerModel := baseClient.GenerativeModel(modelName)
	summarizerModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SummarizerSystemPrompt)},
	}
	summarizerModel.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.2),
	}

	analyzerModel := baseClient.GenerativeModel(modelName)
	analyzerModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(AnalyzerSystemPrompt)},
	}
	analyzerModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		SummarizerModel: summarizerModel,
		AnalyzerModel:   analyzerModel,
		baseClient:      baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// VertexSummarizer summarizes text with Gemini.
type VertexSummarizer struct {
	model *genai.GenerativeModel
}

func NewVertexSummarizer(client *VertexClient) *VertexSummarizer {
	return &VertexSummarizer{model: client.SummarizerModel}
}

func (s *VertexSummarizer) Summarize(ctx context.Context, text string) (*models.Summary, error) {
	resp, err := s.model.GenerateContent(ctx, genai.Text(SummarizerUserPrompt+text))
	if err != nil {
		return nil, fmt.Errorf("failed to generate summary from gemini: %w", err)
	}

	content := responseText(resp)
	if content == "" {
		return nil, fmt.Errorf("gemini returned an empty summary")
	}
	if isRefusal(content) {
		slog.Error("LLM refusal detected", "response", content)
		return nil, fmt.Errorf("gemini response indicates refusal to summarize")
	}
	return &models.Summary{Content: content}, nil
}

// VertexAnalyzer extracts the text layout of a PDF with Gemini.
type VertexAnalyzer struct {
	model *genai.GenerativeModel
}

func NewVertexAnalyzer(client *VertexClient) *VertexAnalyzer {
	return &VertexAnalyzer{model: client.AnalyzerModel}
}

// parsedPage defines the structure of the JSON objects we expect from the Gemini response.
type parsedPage struct {
	PageNumber int      `json:"pageNumber"`
	Lines      []string `json:"lines"`
}

func (a *VertexAnalyzer) Analyze(ctx context.Context, req models.AnalyzeRequest) (*models.AnalyzeResult, error) {
	prompt := AnalyzerUserPrompt
	if req.Locale != "" {
		prompt += fmt.Sprintf("\nThe document locale is %s.", req.Locale)
	}
	filePart := genai.Blob{
		MIMEType: "application/pdf",
		Data:     req.Document,
	}

	resp, err := a.model.GenerateContent(ctx, filePart, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate layout from gemini: %w", err)
	}
	return ParseLayoutJSON(responseText(resp))
}

// ParseLayoutJSON decodes the analyzer model's JSON array into an AnalyzeResult.
func ParseLayoutJSON(raw string) (*models.AnalyzeResult, error) {
	cleanJSON := strings.TrimSpace(raw)
	cleanJSON = strings.TrimPrefix(cleanJSON, "```json")
	cleanJSON = strings.TrimSuffix(cleanJSON, "```")
	cleanJSON = strings.TrimSpace(cleanJSON)
	if cleanJSON == "" {
		return nil, fmt.Errorf("gemini returned an empty response instead of JSON")
	}

	var pages []parsedPage
	if err := json.Unmarshal([]byte(cleanJSON), &pages); err != nil {
		return nil, fmt.Errorf("failed to parse layout JSON from model: %w", err)
	}

	result := &models.AnalyzeResult{Pages: make([]models.Page, 0, len(pages))}
	for _, p := range pages {
		page := models.Page{PageNumber: p.PageNumber, Lines: make([]models.Line, 0, len(p.Lines))}
		for _, line := range p.Lines {
			page.Lines = append(page.Lines, models.Line{Content: line})
		}
		result.Pages = append(result.Pages, page)
	}
	return result, nil
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

func isRefusal(content string) bool {
	lower := strings.ToLower(content)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
