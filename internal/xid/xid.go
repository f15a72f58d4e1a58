package xid

import "github.com/google/uuid"

// New returns a random identifier with the given prefix, e.g. "req-<uuid>".
func New(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}
