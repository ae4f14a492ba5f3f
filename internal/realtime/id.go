package realtime

import "github.com/oklog/ulid/v2"

// NewEnvelopeID returns a ULID used as envelope id.
// ULIDs sort by creation time, which keeps traces readable.
func NewEnvelopeID() string {
	return ulid.Make().String()
}
