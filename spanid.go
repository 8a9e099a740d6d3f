package readerloop

import "github.com/google/uuid"

// NewSpanID returns a UUIDv7 identifying a single loop run.
//
// Every [*ReaderLoop] generates one at construction and attaches it to
// all its log events as the spanID attribute, so the records of one
// connection lifecycle can be correlated across restarts.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id.String()
}
