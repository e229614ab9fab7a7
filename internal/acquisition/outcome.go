package acquisition

import (
	"fmt"
	"time"

	"github.com/maltedev/amazon-product-importer/internal/identifier"
	"github.com/maltedev/amazon-product-importer/internal/models"
	"github.com/maltedev/amazon-product-importer/internal/ratelimit"
)

// Stage names the pipeline step a failure happened in.
type Stage string

const (
	StageClassify Stage = "classify"
	StageLookup   Stage = "lookup"
	StageSearch   Stage = "search"
	StageFetch    Stage = "fetch"
	StageExtract  Stage = "extract"
	StagePersist  Stage = "persist"
)

// Outcome is the closed set of acquisition results: Success, AlreadyExists,
// AdmissionDenied, NotFound, RateLimited and Failed.
type Outcome interface {
	// Kind is a stable snake_case label for metrics and API responses.
	Kind() string
	Message() string
	outcome()
}

// Counts summarises image acquisition and upload for one product.
type Counts struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Stored    int `json:"stored"`
}

// Success is a newly imported product with its image and storage counts.
type Success struct {
	Identifier identifier.Identifier  `json:"identifier"`
	Ref        string                 `json:"ref"`
	Product    *models.ScrapedProduct `json:"product"`
	Record     models.ProductRecord   `json:"record"`
	Images     []models.ImageResult   `json:"images"`
	Stored     []models.StoredImage   `json:"stored"`
	Counts     Counts                 `json:"counts"`
}

// AlreadyExists means the identifier was imported before; nothing was fetched.
type AlreadyExists struct {
	Identifier identifier.Identifier `json:"identifier"`
	Ref        string                `json:"ref"`
}

// AdmissionDenied means the request budget refused the acquisition before
// any request was sent. Wait is how long until admission may succeed.
type AdmissionDenied struct {
	Reason ratelimit.Reason `json:"reason"`
	Wait   time.Duration    `json:"wait"`
}

// NotFound means the search or the product page returned nothing usable.
type NotFound struct {
	Identifier identifier.Identifier `json:"identifier"`
}

// RateLimited means the remote site answered 429 or 503.
type RateLimited struct {
	Wait time.Duration `json:"wait"`
}

// Failed is any other failure, tagged with the stage it happened in.
type Failed struct {
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

func (Success) outcome()         {}
func (AlreadyExists) outcome()   {}
func (AdmissionDenied) outcome() {}
func (NotFound) outcome()        {}
func (RateLimited) outcome()     {}
func (Failed) outcome()          {}

func (Success) Kind() string         { return "success" }
func (AlreadyExists) Kind() string   { return "already_exists" }
func (AdmissionDenied) Kind() string { return "admission_denied" }
func (NotFound) Kind() string        { return "not_found" }
func (RateLimited) Kind() string     { return "rate_limited" }
func (Failed) Kind() string          { return "failed" }

func (o Success) Message() string {
	return fmt.Sprintf("imported %s %q with %d of %d images",
		o.Identifier.Code, o.Record.Title, o.Counts.Stored, o.Counts.Attempted)
}

func (o AlreadyExists) Message() string {
	return fmt.Sprintf("product %s already exists", o.Identifier.Code)
}

func (o AdmissionDenied) Message() string {
	switch o.Reason {
	case ratelimit.ReasonHourlyLimitExceeded:
		return fmt.Sprintf("hourly request limit reached, retry in %s", roundWait(o.Wait))
	case ratelimit.ReasonHighErrorRate:
		return fmt.Sprintf("error rate too high, pausing for %s", roundWait(o.Wait))
	default:
		return fmt.Sprintf("too soon after the last request, retry in %s", roundWait(o.Wait))
	}
}

func (o NotFound) Message() string {
	return fmt.Sprintf("no product found for %s %s", o.Identifier.Kind, o.Identifier.Code)
}

func (o RateLimited) Message() string {
	return fmt.Sprintf("rate limited by the catalog, retry in %s", roundWait(o.Wait))
}

func (o Failed) Message() string {
	return fmt.Sprintf("%s failed: %s", o.Stage, o.Reason)
}

func (o Failed) Error() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %s: %v", o.Stage, o.Reason, o.Err)
	}
	return o.Message()
}

func (o Failed) Unwrap() error {
	return o.Err
}

// RetryAfter returns the wait carried by denied and rate-limited outcomes.
func RetryAfter(o Outcome) (time.Duration, bool) {
	switch v := o.(type) {
	case AdmissionDenied:
		return v.Wait, true
	case RateLimited:
		return v.Wait, true
	}
	return 0, false
}

func roundWait(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(time.Second)
}
