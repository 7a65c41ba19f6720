package procurement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawProcurement is one upstream payload as published by the PNCP consulta API.
// Only the fields the pipeline maps are decoded; everything else is ignored.
type RawProcurement struct {
	Year              OptionalInt     `json:"anoCompra"`
	SequentialNumber  OptionalInt     `json:"sequencialCompra"`
	ObjectDescription *string         `json:"objetoCompra"`
	Entity            RawEntity       `json:"orgaoEntidade"`
	Unit              RawUnit         `json:"unidadeOrgao"`
	Modality          string          `json:"modalidadeNome"`
	EstimatedValue    *float64        `json:"valorTotalEstimado"`
	PublishedAt       string          `json:"dataPublicacaoPncp"`
	OpeningAt         string          `json:"dataAberturaProposta"`
	ClosingAt         string          `json:"dataEncerramentoProposta"`
	SourceLink        string          `json:"linkSistemaOrigem"`
	Items             json.RawMessage `json:"itens,omitempty"`
}

// RawEntity is the orgaoEntidade sub-document.
type RawEntity struct {
	CNPJ      string `json:"cnpj"`
	LegalName string `json:"razaoSocial"`
	Branch    string `json:"poderId"`
	Sphere    string `json:"esferaId"`
}

// RawUnit is the unidadeOrgao sub-document.
type RawUnit struct {
	Name string `json:"nomeUnidade"`
	UF   string `json:"ufSigla"`
}

// OptionalInt decodes an integer that the upstream may send as a number, a
// numeric string, or null. Values that are not integers decode as invalid so a
// single bad payload never fails the whole page.
type OptionalInt struct {
	Value int
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *OptionalInt) UnmarshalJSON(data []byte) error {
	*o = OptionalInt{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("decode optional int: %w", err)
		}
	}
	v, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return nil
	}
	*o = OptionalInt{Value: v, Valid: true}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o OptionalInt) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(o.Value)), nil
}

// Int returns a valid OptionalInt.
func Int(v int) OptionalInt {
	return OptionalInt{Value: v, Valid: true}
}
