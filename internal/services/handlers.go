package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/documentsummaryflow/internal/models"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// StepHandler adapts a step function to an HTTP endpoint callable by the
// hosted workflow. Failures answer 500 so the caller's retry policy applies.
func StepHandler[Req any, Res any](name string, process func(ctx context.Context, req Req) (Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Error("Could not decode request body", "step", name, "error", err)
			http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			slog.Error("Request failed validation", "step", name, "error", err)
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}

		res, err := process(r.Context(), req)
		if err != nil {
			// The specific error is already logged inside the step.
			writeJSON(w, http.StatusInternalServerError, models.StepErrorResponse{
				ErrorKind: models.ErrorKind(err),
				Message:   err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// Handler unwraps models.ExtractRequest for ExtractFunction.
func (f *ExtractFunction) Handler() http.HandlerFunc {
	return StepHandler("extract", func(ctx context.Context, req models.ExtractRequest) (*models.ExtractedDocument, error) {
		return f.Process(ctx, req.ObjectID)
	})
}

// Handler unwraps models.SummarizeRequest for SummarizeFunction.
func (f *SummarizeFunction) Handler() http.HandlerFunc {
	return StepHandler("summarize", func(ctx context.Context, req models.SummarizeRequest) (*models.Summary, error) {
		return f.Process(ctx, req.Document)
	})
}

// Handler serves PersistFunction.
func (f *PersistFunction) Handler() http.HandlerFunc {
	return StepHandler("persist", f.Process)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
