// Package docintel is a client for the Document Intelligence (Form
// Recognizer) analyze API, used as the layout-aware text extraction service.
// Requests go through an azcore pipeline; the long-running analyze operation
// is tracked with an azcore poller over its Operation-Location.
package docintel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Lllllllleong/documentsummaryflow/internal/models"
)

const (
	DefaultAPIVersion   = "2023-07-31"
	DefaultPollInterval = time.Second
	DefaultTimeout      = 2 * time.Minute

	keyHeader     = "Ocp-Apim-Subscription-Key"
	moduleName    = "documentsummaryflow/docintel"
	moduleVersion = "v1.0.0"
)

// Config holds the endpoint and key of a Document Intelligence resource.
type Config struct {
	Endpoint   string
	Key        string
	APIVersion string
	// PollInterval is used when the service sends no Retry-After header.
	PollInterval time.Duration
	// Timeout bounds one Analyze call, polling included.
	Timeout time.Duration
}

// Client runs prebuilt models against documents.
type Client struct {
	pl     runtime.Pipeline
	config Config
}

// NewClient creates a Client. options may be nil.
func NewClient(config Config, options *azcore.ClientOptions) (*Client, error) {
	if config.Endpoint == "" || config.Key == "" {
		return nil, fmt.Errorf("document intelligence endpoint and key must be set")
	}
	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid document intelligence endpoint: %w", err)
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	if config.APIVersion == "" {
		config.APIVersion = DefaultAPIVersion
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	auth := runtime.NewKeyCredentialPolicy(azcore.NewKeyCredential(config.Key), keyHeader, nil)
	pl := runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{
		PerRetry: []policy.Policy{auth},
	}, options)
	return &Client{pl: pl, config: config}, nil
}

type analyzeResult struct {
	Pages []struct {
		PageNumber int `json:"pageNumber"`
		Lines      []struct {
			Content string `json:"content"`
		} `json:"lines"`
	} `json:"pages"`
}

// ModelID maps an extraction mode to a prebuilt model.
func ModelID(mode string) string {
	switch mode {
	case "", "layout":
		return "prebuilt-layout"
	case "read":
		return "prebuilt-read"
	default:
		return mode
	}
}

// Analyze submits the document and polls the operation until it finishes.
func (c *Client) Analyze(ctx context.Context, req models.AnalyzeRequest) (*models.AnalyzeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	poller, err := c.beginAnalyze(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := poller.PollUntilDone(ctx, &runtime.PollUntilDoneOptions{Frequency: c.config.PollInterval})
	if err != nil {
		return nil, fmt.Errorf("document analysis did not succeed: %w", err)
	}
	return convert(&res), nil
}

func (c *Client) beginAnalyze(ctx context.Context, req models.AnalyzeRequest) (*runtime.Poller[analyzeResult], error) {
	model := ModelID(req.Mode)
	httpReq, err := runtime.NewRequest(ctx, http.MethodPost,
		runtime.JoinPaths(c.config.Endpoint, "/formrecognizer/documentModels/"+url.PathEscape(model)+":analyze"))
	if err != nil {
		return nil, fmt.Errorf("failed to build analyze request: %w", err)
	}
	query := httpReq.Raw().URL.Query()
	query.Set("api-version", c.config.APIVersion)
	if req.Locale != "" {
		query.Set("locale", req.Locale)
	}
	httpReq.Raw().URL.RawQuery = query.Encode()
	if err := httpReq.SetBody(streaming.NopCloser(bytes.NewReader(req.Document)), "application/pdf"); err != nil {
		return nil, fmt.Errorf("failed to set analyze request body: %w", err)
	}

	resp, err := c.pl.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call analyze endpoint: %w", err)
	}
	if !runtime.HasStatusCode(resp, http.StatusAccepted) {
		return nil, runtime.NewResponseError(resp)
	}
	slog.Debug("Document analysis accepted.", "operation", resp.Header.Get("Operation-Location"), "model", model)

	return runtime.NewPoller(resp, c.pl, &runtime.NewPollerOptions[analyzeResult]{
		OperationLocationResultPath: "analyzeResult",
	})
}

func convert(res *analyzeResult) *models.AnalyzeResult {
	out := &models.AnalyzeResult{}
	if res == nil {
		return out
	}
	for _, p := range res.Pages {
		page := models.Page{PageNumber: p.PageNumber}
		for _, l := range p.Lines {
			page.Lines = append(page.Lines, models.Line{Content: l.Content})
		}
		out.Pages = append(out.Pages, page)
	}
	return out
}
