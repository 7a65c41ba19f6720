// Package procurement defines the canonical types shared across the collection pipeline.
package procurement

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle label derived from proposal opening/closing dates.
type Status string

// Status values derived by the classifier.
const (
	StatusUnknown Status = "unknown"
	StatusFuture  Status = "future"
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
)

// ParseStatus validates a user-supplied status filter.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusUnknown, StatusFuture, StatusOpen, StatusClosed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("invalid status %q", s)
	}
}

// RunStatus is the final outcome of a collection run.
type RunStatus string

// Collection run outcomes persisted in the audit log.
const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// IssuingBody identifies the public entity that published the procurement.
type IssuingBody struct {
	CNPJ             string `json:"cnpj"`
	LegalName        string `json:"legal_name"`
	GovernmentBranch string `json:"government_branch"`
	GovernmentSphere string `json:"government_sphere"`
}

// Record is the canonical, persisted procurement.
type Record struct {
	ControlNumber       string          `json:"control_number"`
	Year                int             `json:"year"`
	SequentialNumber    int             `json:"sequential_number"`
	IssuingBody         IssuingBody     `json:"issuing_body"`
	UnitName            string          `json:"unit_name"`
	Modality            string          `json:"modality"`
	ObjectDescription   string          `json:"object_description"`
	EstimatedTotalValue float64         `json:"estimated_total_value"`
	Status              Status          `json:"status"`
	PublicationDate     string          `json:"publication_date"`
	ProposalOpeningAt   *time.Time      `json:"proposal_opening_at,omitempty"`
	ProposalClosingAt   *time.Time      `json:"proposal_closing_at,omitempty"`
	SourceLink          string          `json:"source_link"`
	RelevanceScore      int             `json:"relevance_score"`
	MatchedKeywords     []string        `json:"matched_keywords"`
	Items               json.RawMessage `json:"items,omitempty"`
	Viewed              bool            `json:"viewed"`
	Note                *string         `json:"note,omitempty"`
	CollectedAt         time.Time       `json:"collected_at"`
}

// ControlNumber builds the dedup identity for a (year, sequential number) pair.
func ControlNumber(year, seq int) string {
	return fmt.Sprintf("%d-%d", year, seq)
}

// CollectionRun is one row of the append-only run audit log.
type CollectionRun struct {
	ID            int64      `json:"id"`
	Trigger       string     `json:"trigger,omitempty"`
	TotalScanned  int        `json:"total_scanned"`
	TotalRelevant int        `json:"total_relevant"`
	Created       int        `json:"created"`
	Rejected      int        `json:"rejected"`
	RegionErrors  int        `json:"region_errors"`
	Status        RunStatus  `json:"status"`
	Error         *string    `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Filter narrows a record query. Zero values mean "no constraint".
type Filter struct {
	Status Status
	Text   string
	Limit  int
	Offset int
}
