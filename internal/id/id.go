// Package id generates the prefixed, K-sortable identifiers used for ledger
// records, datasets and inferences ("txn_01h2x...").
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an id.
type Prefix string

const (
	PrefixTransaction Prefix = "txn"
	PrefixDataset     Prefix = "ds"
	PrefixInference   Prefix = "inf"
)

// New returns a fresh id string for prefix. It panics on an invalid prefix,
// which can only happen through a programming error.
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

func NewTransaction() string { return New(PrefixTransaction) }
func NewDataset() string     { return New(PrefixDataset) }
func NewInference() string   { return New(PrefixInference) }

// Check parses s and verifies it carries the expected prefix.
func Check(s string, expected Prefix) error {
	if s == "" {
		return fmt.Errorf("id: empty %s id", expected)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("id: parse %q: %w", s, err)
	}
	if Prefix(tid.Prefix()) != expected {
		return fmt.Errorf("id: expected prefix %q, got %q", expected, tid.Prefix())
	}
	return nil
}
