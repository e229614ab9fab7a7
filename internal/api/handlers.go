// Package api exposes the acquisition pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/amazon-product-importer/internal/acquisition"
	"github.com/maltedev/amazon-product-importer/internal/export"
	"github.com/maltedev/amazon-product-importer/internal/identifier"
	"github.com/maltedev/amazon-product-importer/internal/models"
	"github.com/maltedev/amazon-product-importer/internal/ratelimit"
)

const (
	pendingWarnThreshold     = 1000
	deadLetterErrorThreshold = 100
)

// Acquirer runs one acquisition for a raw identifier.
type Acquirer interface {
	Acquire(ctx context.Context, input string) acquisition.Outcome
}

// ProductStore reads imported products.
type ProductStore interface {
	Get(ctx context.Context, code string) (*models.StoredProduct, error)
	List(ctx context.Context, codes []string) ([]models.StoredProduct, error)
}

// BudgetSource reports the request budget.
type BudgetSource interface {
	Snapshot() ratelimit.Budget
}

// OutboxStats is optional; without it /health reports only liveness.
type OutboxStats interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Handlers serves the HTTP API.
type Handlers struct {
	acquirer Acquirer
	products ProductStore
	budget   BudgetSource
	outbox   OutboxStats
	logger   *slog.Logger
}

// NewHandlers wires the handlers. outbox may be nil.
func NewHandlers(acquirer Acquirer, products ProductStore, budget BudgetSource, outbox OutboxStats, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		acquirer: acquirer,
		products: products,
		budget:   budget,
		outbox:   outbox,
		logger:   logger.With("component", "api"),
	}
}

// AcquireRequest is the body of POST /api/v1/products.
type AcquireRequest struct {
	Identifier string `json:"identifier"`
}

// AcquireResponse flattens every outcome variant into one JSON shape.
type AcquireResponse struct {
	Outcome           string                 `json:"outcome"`
	Message           string                 `json:"message"`
	Identifier        *identifier.Identifier `json:"identifier,omitempty"`
	Ref               string                 `json:"ref,omitempty"`
	Product           *models.ProductRecord  `json:"product,omitempty"`
	Images            []models.StoredImage   `json:"images,omitempty"`
	Counts            *acquisition.Counts    `json:"counts,omitempty"`
	Reason            string                 `json:"reason,omitempty"`
	Stage             string                 `json:"stage,omitempty"`
	RetryAfterSeconds int                    `json:"retry_after_seconds,omitempty"`
}

// AcquireProduct runs one acquisition and maps its outcome to an HTTP status.
func (h *Handlers) AcquireProduct(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" {
		h.respondError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	outcome := h.acquirer.Acquire(r.Context(), req.Identifier)
	status, resp := outcomeResponse(outcome)

	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("acquisition failed", "identifier", req.Identifier, "outcome", resp.Outcome, "message", resp.Message)
	}
	h.respondJSON(w, status, resp)
}

func outcomeResponse(o acquisition.Outcome) (int, AcquireResponse) {
	resp := AcquireResponse{Outcome: o.Kind(), Message: o.Message()}

	switch v := o.(type) {
	case acquisition.Success:
		resp.Identifier = &v.Identifier
		resp.Ref = v.Ref
		resp.Product = &v.Record
		resp.Images = v.Stored
		resp.Counts = &v.Counts
		return http.StatusCreated, resp
	case acquisition.AlreadyExists:
		resp.Identifier = &v.Identifier
		resp.Ref = v.Ref
		return http.StatusOK, resp
	case acquisition.AdmissionDenied:
		resp.Reason = string(v.Reason)
		resp.RetryAfterSeconds = retrySeconds(v.Wait)
		return http.StatusTooManyRequests, resp
	case acquisition.RateLimited:
		resp.RetryAfterSeconds = retrySeconds(v.Wait)
		return http.StatusTooManyRequests, resp
	case acquisition.NotFound:
		resp.Identifier = &v.Identifier
		return http.StatusNotFound, resp
	case acquisition.Failed:
		resp.Stage = string(v.Stage)
		resp.Reason = v.Reason
		switch {
		case v.Stage == acquisition.StageClassify:
			return http.StatusBadRequest, resp
		case errors.Is(v, context.Canceled):
			return http.StatusServiceUnavailable, resp
		case v.Stage == acquisition.StageLookup || v.Stage == acquisition.StagePersist:
			return http.StatusInternalServerError, resp
		default:
			return http.StatusBadGateway, resp
		}
	}
	return http.StatusInternalServerError, resp
}

// retrySeconds rounds up so a client never retries early.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// GetProduct returns a stored product by identifier.
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := identifier.Classify(chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	product, err := h.products.Get(r.Context(), id.Code)
	if err != nil {
		h.logger.Error("failed to get product", "error", err, "code", id.Code)
		h.respondError(w, http.StatusInternalServerError, "failed to get product")
		return
	}
	if product == nil {
		h.respondError(w, http.StatusNotFound, "product not found")
		return
	}

	h.respondJSON(w, http.StatusOK, product)
}

// ExportCSV streams stored products as CSV. codes is a comma separated list;
// without it every product is exported.
func (h *Handlers) ExportCSV(w http.ResponseWriter, r *http.Request) {
	var codes []string
	for _, raw := range strings.Split(r.URL.Query().Get("codes"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := identifier.Classify(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		codes = append(codes, id.Code)
	}

	products, err := h.products.List(r.Context(), codes)
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="products-%s.csv"`, time.Now().UTC().Format("20060102-150405")))
	w.WriteHeader(http.StatusOK)
	if err := export.Write(w, products); err != nil {
		h.logger.Error("failed to write export", "error", err)
	}
}

// BudgetResponse adds derived values to the raw budget snapshot.
type BudgetResponse struct {
	ratelimit.Budget
	ErrorRate          float64 `json:"error_rate"`
	NextSpacingSeconds float64 `json:"next_spacing_seconds"`
}

// GetBudget reports the admission controller's current counters.
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	b := h.budget.Snapshot()
	h.respondJSON(w, http.StatusOK, BudgetResponse{
		Budget:             b,
		ErrorRate:          b.ErrorRate(),
		NextSpacingSeconds: b.NextSpacing.Seconds(),
	})
}

// Health reports liveness and, when available, outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		counts, err := h.outbox.CountByStatus(r.Context())
		if err != nil {
			h.logger.Error("failed to count outbox events", "error", err)
			health["status"] = "error"
			health["message"] = "outbox unavailable"
			h.respondJSON(w, http.StatusServiceUnavailable, health)
			return
		}

		pending, deadLetter := counts["pending"], counts["dead_letter"]
		health["outbox"] = map[string]int64{
			"pending":     pending,
			"dead_letter": deadLetter,
		}
		if pending > pendingWarnThreshold {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetter > deadLetterErrorThreshold {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
