// Package migrations embeds the Postgres schema.
package migrations

import (
	"embed"
	"sort"
)

//go:embed *.sql
var files embed.FS

// Scripts returns the schema scripts in apply order. Every script is idempotent.
func Scripts() ([]string, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		b, err := files.ReadFile(n)
		if err != nil {
			return nil, err
		}
		out = append(out, string(b))
	}
	return out, nil
}
