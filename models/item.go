// Package models defines data structures shared by the ingestion stages.
package models

import "time"

// CatalogPage is one listing page of the catalog. It only lives long enough
// for its stubs to be handed to the coordinator.
type CatalogPage struct {
	URL       string
	Index     int
	Items     []ItemStub
	NextURL   string
	Malformed int
}

// ItemStub is the minimal data needed to fetch an item's detail page.
type ItemStub struct {
	Title     string `json:"title"`
	Price     string `json:"price"`
	DetailURL string `json:"detail_url"`
}

// ItemRecord is the unit persisted to storage, keyed by DetailURL.
type ItemRecord struct {
	Title       string            `json:"title"`
	Price       string            `json:"price"`
	DetailURL   string            `json:"detail_url"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes"`
}

// Clone returns a deep copy of r.
func (r *ItemRecord) Clone() *ItemRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Attributes = make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		out.Attributes[k] = v
	}
	return &out
}

// Failure records why a stub did not produce a record.
type Failure struct {
	Stub       ItemStub
	Kind       string
	StatusCode int
	Reason     string
	Err        error `json:"-"`
}

// IngestResult holds the outcome of a coordinator run. Every input stub is
// represented exactly once across Records and Failures.
type IngestResult struct {
	Records  []*ItemRecord
	Failures []Failure
}

// RunSummary holds the overall result of an ingestion run.
type RunSummary struct {
	RunID          string
	StartTime      time.Time
	EndTime        time.Time
	PageCount      int
	StubCount      int
	Malformed      int
	RecordCount    int
	Failures       []Failure
	FailuresByKind map[string]int
	Written        int
	Unwritten      int
	Unchanged      int
	RetryCount     int
	RequestCount   int
	PageErrors     []string
	// Canceled is set when the run context ended before the walk and all
	// ingestion finished, so the counts above describe a partial run.
	Canceled bool
}

// FailureRate is the share of stubs that did not end up in the store, either
// because ingestion failed or because their batch could not be written.
func (s *RunSummary) FailureRate() float64 {
	if s == nil || s.StubCount == 0 {
		return 0
	}
	return float64(len(s.Failures)+s.Unwritten) / float64(s.StubCount)
}

// ExceedsTolerance reports whether the failure rate is above tolerance.
func (s *RunSummary) ExceedsTolerance(tolerance float64) bool {
	return s.FailureRate() > tolerance
}
