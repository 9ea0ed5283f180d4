package remote

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthRequired signals that no usable session exists for the profile.
var ErrAuthRequired = errors.New("authorization required")

// FloodWaitError is a rate-limit signal from the remote API carrying the
// wait duration it demanded.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

// AsFloodWait extracts a FloodWaitError from an error chain.
func AsFloodWait(err error) (*FloodWaitError, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw, true
	}
	return nil, false
}
