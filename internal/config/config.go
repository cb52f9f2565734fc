// Package config loads pipeline configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Lllllllleong/documentsummaryflow/internal/gcp"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendFirestore = "firestore"
	BackendMemory    = "memory"

	ExtractorDocIntel = "docintel"
	ExtractorVertex   = "vertex"

	SummarizerPlaceholder = "placeholder"
	SummarizerVertex      = "vertex"

	OrchestratorLocal          = "local"
	OrchestratorCloudWorkflows = "cloud-workflows"
)

// Config holds every setting the pipeline binaries read from the environment.
// Validate checks the fields every binary needs; settings of optional
// components are checked by ValidateSteps, ValidateEngine and
// ValidateListener when the component is built.
type Config struct {
	ProjectID           string
	InputBucket         string `validate:"required"`
	OutputBucket        string `validate:"required"`
	StateBackend        string `validate:"oneof=firestore memory"`
	FirestoreCollection string
	PayloadBucket       string `validate:"required"`
	PayloadInlineLimit  int    `validate:"gte=1024"`

	Extractor            string `validate:"oneof=docintel vertex"`
	CognitiveServicesURL string `validate:"omitempty,url"`
	CognitiveServicesKey string
	Summarizer           string `validate:"oneof=placeholder vertex"`
	VertexAIRegion       string `validate:"required"`
	VertexModel          string `validate:"required"`

	Orchestrator     string `validate:"oneof=local cloud-workflows"`
	WorkflowLocation string
	WorkflowID       string

	RetryFirstInterval time.Duration `validate:"gt=0"`
	RetryMaxAttempts   int           `validate:"gte=1"`
	ResumeConcurrency  int           `validate:"gte=1"`
	LogLevel           string        `validate:"oneof=debug info warn error"`
}

// Load reads the configuration, applying a local .env file first if one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}

	firstInterval, err := durationMillis("RETRY_FIRST_INTERVAL_MS", 5000)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := intEnv("RETRY_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	resumeConcurrency, err := intEnv("RESUME_CONCURRENCY", 8)
	if err != nil {
		return nil, err
	}
	inlineLimit, err := intEnv("PAYLOAD_INLINE_LIMIT_BYTES", 256<<10)
	if err != nil {
		return nil, err
	}
	outputBucket := gcp.GetEnv("OUTPUT_BUCKET", "output")

	cfg := &Config{
		ProjectID:            gcp.GetEnv("PROJECT_ID", ""),
		InputBucket:          gcp.GetEnv("INPUT_BUCKET", "input"),
		OutputBucket:         outputBucket,
		StateBackend:         gcp.GetEnv("STATE_BACKEND", BackendFirestore),
		FirestoreCollection:  gcp.GetEnv("FIRESTORE_COLLECTION", "workflowInstances"),
		PayloadBucket:        gcp.GetEnv("PAYLOAD_BUCKET", outputBucket),
		PayloadInlineLimit:   inlineLimit,
		Extractor:            gcp.GetEnv("EXTRACTOR", ExtractorDocIntel),
		CognitiveServicesURL: gcp.GetEnv("COGNITIVE_SERVICES_ENDPOINT", ""),
		CognitiveServicesKey: gcp.GetEnv("COGNITIVE_SERVICES_KEY", ""),
		Summarizer:           gcp.GetEnv("SUMMARIZER", SummarizerPlaceholder),
		VertexAIRegion:       gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		VertexModel:          gcp.GetEnv("VERTEX_MODEL", gcp.DefaultGeminiModel),
		Orchestrator:         gcp.GetEnv("ORCHESTRATOR", OrchestratorLocal),
		WorkflowLocation:     gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:           gcp.GetEnv("WORKFLOW_ID", "process-document"),
		RetryFirstInterval:   firstInterval,
		RetryMaxAttempts:     maxAttempts,
		ResumeConcurrency:    resumeConcurrency,
		LogLevel:             gcp.GetEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field values every binary depends on.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

// ValidateSteps checks the settings of the extract and summarize backends.
func (c *Config) ValidateSteps() error {
	if c.Extractor == ExtractorDocIntel && (c.CognitiveServicesURL == "" || c.CognitiveServicesKey == "") {
		return fmt.Errorf("config error: COGNITIVE_SERVICES_ENDPOINT and COGNITIVE_SERVICES_KEY must be set for the docintel extractor")
	}
	if c.UsesVertex() && c.ProjectID == "" {
		return fmt.Errorf("config error: PROJECT_ID must be set when a vertex backend is selected")
	}
	return nil
}

// ValidateEngine checks the settings of the in-process engine: its steps and
// its state store.
func (c *Config) ValidateEngine() error {
	if err := c.ValidateSteps(); err != nil {
		return err
	}
	if c.StateBackend == BackendFirestore && (c.ProjectID == "" || c.FirestoreCollection == "") {
		return fmt.Errorf("config error: PROJECT_ID and FIRESTORE_COLLECTION must be set for the firestore state backend")
	}
	return nil
}

// ValidateListener checks the settings of whatever the trigger hands new
// objects to.
func (c *Config) ValidateListener() error {
	if c.Orchestrator == OrchestratorCloudWorkflows {
		if c.ProjectID == "" || c.WorkflowLocation == "" || c.WorkflowID == "" {
			return fmt.Errorf("config error: PROJECT_ID, WORKFLOW_LOCATION and WORKFLOW_ID must be set for the cloud-workflows orchestrator")
		}
		return nil
	}
	return c.ValidateEngine()
}

// UsesVertex reports whether a Gemini backend is selected.
func (c *Config) UsesVertex() bool {
	return c.Extractor == ExtractorVertex || c.Summarizer == SummarizerVertex
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func intEnv(key string, fallback int) (int, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config error: %s must be an integer: %w", key, err)
	}
	return v, nil
}

func durationMillis(key string, fallback int) (time.Duration, error) {
	ms, err := intEnv(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
