package domain

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"
	"strings"
)

// Columns that hold arrays or objects are stored as JSON text. Each field has
// exactly one encoder and one decoder here; decoders never trust the stored
// shape and report malformed data as a validation error.

func decodeStrict(column, raw string, v any) error {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Wrap(KindValidation, err, "malformed stored %s", column)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Validationf("malformed stored %s: trailing data", column)
	}
	return nil
}

func encode(column string, v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", Wrap(KindValidation, err, "encoding %s", column)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// NormalizeTags trims, drops empties, dedupes and sorts a tag set.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// EncodeTags serializes a tag set (tool access, category tags).
func EncodeTags(tags []string) (string, error) {
	return encode("tags", NormalizeTags(tags))
}

// DecodeTags parses a stored tag set. Empty text is an empty set.
func DecodeTags(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	var tags []string
	if err := decodeStrict("tags", raw, &tags); err != nil {
		return nil, err
	}
	for _, t := range tags {
		if strings.TrimSpace(t) == "" {
			return nil, Validationf("malformed stored tags: empty tag")
		}
	}
	return NormalizeTags(tags), nil
}

func validateModels(models []ProviderModel) error {
	seen := make(map[string]struct{}, len(models))
	for _, m := range models {
		if strings.TrimSpace(m.ID) == "" {
			return Validationf("provider model id is required")
		}
		if _, ok := seen[m.ID]; ok {
			return Validationf("duplicate provider model %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.ContextWindow < 0 {
			return Validationf("model %q has a negative context window", m.ID)
		}
	}
	return nil
}

// EncodeModels serializes a provider's ordered model catalog.
func EncodeModels(models []ProviderModel) (string, error) {
	if err := validateModels(models); err != nil {
		return "", err
	}
	if models == nil {
		models = []ProviderModel{}
	}
	return encode("models", models)
}

// DecodeModels parses a stored model catalog, preserving order.
func DecodeModels(raw string) ([]ProviderModel, error) {
	if strings.TrimSpace(raw) == "" {
		return []ProviderModel{}, nil
	}
	var models []ProviderModel
	if err := decodeStrict("models", raw, &models); err != nil {
		return nil, err
	}
	if err := validateModels(models); err != nil {
		return nil, Wrap(KindValidation, err, "malformed stored models")
	}
	if models == nil {
		models = []ProviderModel{}
	}
	return models, nil
}

// EncodeParams serializes generation parameters (agent params, provider defaults).
func EncodeParams(p GenerationParams) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	return encode("params", p)
}

// DecodeParams parses stored generation parameters.
func DecodeParams(raw string) (GenerationParams, error) {
	var p GenerationParams
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	if err := decodeStrict("params", raw, &p); err != nil {
		return GenerationParams{}, err
	}
	if err := p.Validate(); err != nil {
		return GenerationParams{}, Wrap(KindValidation, err, "malformed stored params")
	}
	return p, nil
}

// EncodeRateLimits serializes optional rate limits; nil encodes as "".
func EncodeRateLimits(r *RateLimits) (string, error) {
	if r == nil {
		return "", nil
	}
	if err := r.Validate(); err != nil {
		return "", err
	}
	return encode("rate limits", r)
}

// DecodeRateLimits parses stored rate limits; "" and "null" decode to nil.
func DecodeRateLimits(raw string) (*RateLimits, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var r RateLimits
	if err := decodeStrict("rate limits", raw, &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, Wrap(KindValidation, err, "malformed stored rate limits")
	}
	return &r, nil
}
