// Package normalize maps raw upstream payloads into canonical procurement records.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/status"
)

// ErrMissingIdentity rejects payloads without a year or sequential number; such
// records cannot be deduplicated.
var ErrMissingIdentity = errors.New("payload missing year or sequential number")

const portalLinkFormat = "https://pncp.gov.br/app/editais/%s/%d/%d"

// Scorer scores free text against the keyword catalog.
type Scorer interface {
	Score(text string) (int, []string)
}

// Normalizer is side-effect free apart from the classifier's diagnostic log.
type Normalizer struct {
	scorer     Scorer
	classifier *status.Classifier
}

// New constructs a Normalizer.
func New(scorer Scorer, classifier *status.Classifier) *Normalizer {
	if classifier == nil {
		classifier = status.NewClassifier(time.UTC, nil)
	}
	return &Normalizer{scorer: scorer, classifier: classifier}
}

// Normalize converts raw into a Record evaluated at now. The returned record
// has CollectedAt unset; the collector stamps it before persisting.
func (n *Normalizer) Normalize(raw procurement.RawProcurement, now time.Time) (procurement.Record, error) {
	if !raw.Year.Valid || !raw.SequentialNumber.Valid {
		return procurement.Record{}, ErrMissingIdentity
	}
	year, seq := raw.Year.Value, raw.SequentialNumber.Value

	description := ""
	if raw.ObjectDescription != nil {
		description = *raw.ObjectDescription
	}
	score, matched := n.scorer.Score(description)
	classified := n.classifier.ClassifyRaw(raw.OpeningAt, raw.ClosingAt, now)

	value := 0.0
	if raw.EstimatedValue != nil && *raw.EstimatedValue > 0 {
		value = *raw.EstimatedValue
	}

	link := strings.TrimSpace(raw.SourceLink)
	if link == "" && raw.Entity.CNPJ != "" {
		link = fmt.Sprintf(portalLinkFormat, raw.Entity.CNPJ, year, seq)
	}

	return procurement.Record{
		ControlNumber:    procurement.ControlNumber(year, seq),
		Year:             year,
		SequentialNumber: seq,
		IssuingBody: procurement.IssuingBody{
			CNPJ:             raw.Entity.CNPJ,
			LegalName:        raw.Entity.LegalName,
			GovernmentBranch: raw.Entity.Branch,
			GovernmentSphere: raw.Entity.Sphere,
		},
		UnitName:            raw.Unit.Name,
		Modality:            raw.Modality,
		ObjectDescription:   description,
		EstimatedTotalValue: value,
		Status:              classified.Status,
		PublicationDate:     truncateDate(raw.PublishedAt),
		ProposalOpeningAt:   classified.OpeningAt,
		ProposalClosingAt:   classified.ClosingAt,
		SourceLink:          link,
		RelevanceScore:      score,
		MatchedKeywords:     matched,
		Items:               items(raw),
	}, nil
}

func items(raw procurement.RawProcurement) []byte {
	if len(raw.Items) == 0 || string(raw.Items) == "null" {
		return nil
	}
	return append([]byte(nil), raw.Items...)
}

func truncateDate(raw string) string {
	if len(raw) > 10 {
		return raw[:10]
	}
	return raw
}
