// Package idgen generates identifiers for locally created ledger rows.
package idgen

import "github.com/google/uuid"

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a UUID without dashes, e.g.
// "dsp_3f1c9a..." for disputes.
func WithPrefix(prefix string) string {
	u := uuid.New()
	const hextable = "0123456789abcdef"
	buf := make([]byte, 0, len(prefix)+32)
	buf = append(buf, prefix...)
	for _, b := range u {
		buf = append(buf, hextable[b>>4], hextable[b&0x0f])
	}
	return string(buf)
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
