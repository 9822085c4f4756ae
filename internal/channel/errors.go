package channel

import (
	"errors"
	"fmt"
)

// ErrCancelled is the failure reason delivered for batches that were in
// flight when the unit was disabled with a data wipe.
var ErrCancelled = errors.New("channel: batch cancelled")

// HTTPError is the failure reason delivered for non-recoverable ingestion
// responses.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("channel: ingestion rejected batch: status %d", e.Status)
}
