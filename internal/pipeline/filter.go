package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/yairfalse/conveyor/pkg/domain"
)

// Filter decides whether a raw record is relevant. Rejected records are never
// buffered, but their positions still count as processed for checkpointing.
type Filter interface {
	Accept(raw domain.RawRecord) bool
	Name() string
}

// AllPass accepts every record
type AllPass struct{}

func (AllPass) Accept(domain.RawRecord) bool { return true }
func (AllPass) Name() string                 { return "all_pass" }

// KeyPrefixFilter accepts records whose key starts with one of the prefixes
type KeyPrefixFilter struct {
	prefixes []string
}

// NewKeyPrefixFilter creates a key prefix filter
func NewKeyPrefixFilter(prefixes []string) *KeyPrefixFilter {
	return &KeyPrefixFilter{prefixes: prefixes}
}

func (f *KeyPrefixFilter) Accept(raw domain.RawRecord) bool {
	for _, p := range f.prefixes {
		if strings.HasPrefix(raw.Key, p) {
			return true
		}
	}
	return false
}

func (f *KeyPrefixFilter) Name() string { return "key_prefix" }

// JSONFieldFilter accepts JSON payloads whose top-level field equals one of the
// allowed values. Payloads that are not JSON objects are rejected.
type JSONFieldFilter struct {
	field   string
	allowed map[string]bool
}

// NewJSONFieldFilter creates a filter on a top-level string field
func NewJSONFieldFilter(field string, values []string) *JSONFieldFilter {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return &JSONFieldFilter{field: field, allowed: m}
}

func (f *JSONFieldFilter) Accept(raw domain.RawRecord) bool {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw.Payload, &doc); err != nil {
		return false
	}
	value, ok := doc[f.field]
	if !ok {
		return false
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return false
	}
	return f.allowed[s]
}

func (f *JSONFieldFilter) Name() string { return "json_field" }

// FilterChain accepts a record only if every filter in the chain accepts it
type FilterChain []Filter

func (c FilterChain) Accept(raw domain.RawRecord) bool {
	for _, f := range c {
		if !f.Accept(raw) {
			return false
		}
	}
	return true
}

func (c FilterChain) Name() string {
	names := make([]string, 0, len(c))
	for _, f := range c {
		names = append(names, f.Name())
	}
	return strings.Join(names, "+")
}
