package meta

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
)

// Metadata is a small string map attached to transaction records
// (dataset names, item counts, admin ids). It validates its size and
// always encodes with sorted keys so stored records compare byte-for-byte.
type Metadata map[string]string

const (
	MaxPairs     = 16
	MaxKeyLen    = 64
	MaxValLen    = 256
	MaxTotalJSON = 2048
)

// Well-known keys written by the ledger and its callers.
const (
	KeyAdminID     = "admin_id"
	KeyTargetEmail = "target_email"
	KeyDatasetName = "dataset_name"
	KeyItemCount   = "item_count"
	KeyDatasetID   = "dataset_id"
	KeySweptAt     = "swept_at"
)

var (
	ErrTooManyPairs = errors.New("metadata: too many pairs")
	ErrKeyLength    = errors.New("metadata: key empty or too long")
	ErrValueLength  = errors.New("metadata: value too long")
	ErrTooLarge     = errors.New("metadata: encoded size too large")
)

func New(m map[string]string) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) Clone() Metadata { return New(m) }

func (m Metadata) Get(k string) (string, bool) {
	v, ok := m[k]
	return v, ok
}

// With returns a copy of m with k set to v; m is left untouched.
func (m Metadata) With(k, v string) Metadata {
	out := m.Clone()
	out[k] = v
	return out
}

// Merge copies other into m; keys in other win.
func (m Metadata) Merge(other Metadata) {
	for k, v := range other {
		m[k] = v
	}
}

func (m Metadata) Validate() error {
	if len(m) > MaxPairs {
		return ErrTooManyPairs
	}
	for k, v := range m {
		if len(k) == 0 || len(k) > MaxKeyLen {
			return ErrKeyLength
		}
		if len(v) > MaxValLen {
			return ErrValueLength
		}
	}
	b, err := m.MarshalStableJSON()
	if err != nil {
		return err
	}
	if len(b) > MaxTotalJSON {
		return ErrTooLarge
	}
	return nil
}

// MarshalStableJSON returns a deterministic JSON representation with keys sorted.
func (m Metadata) MarshalStableJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, k := range keys {
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		if i < len(keys)-1 {
			buf.WriteByte(',')
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m Metadata) MarshalJSON() ([]byte, error) { return m.MarshalStableJSON() }

func (m *Metadata) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = Metadata{}
		return nil
	}
	var tmp map[string]string
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*m = New(tmp)
	return nil
}
