package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewTraceID mints a trace id with a short kind prefix ("tick", "cmd",
// "sync", "reconcile", "archive", "boot"). The id travels with every record
// produced by one operator action or one tick decision.
func NewTraceID(kind string) string {
	if kind == "" {
		kind = "trace"
	}
	return kind + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
