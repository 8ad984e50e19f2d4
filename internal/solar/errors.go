package solar

import (
	"errors"
	"fmt"
	"time"
)

// ErrChannelLayout signals an internal invariant violation in the column
// metadata mapper. It is a programming error, not a data error, and must
// never cause a sentinel write.
var ErrChannelLayout = errors.New("channel layout length mismatch")

// DownloadError is returned when the vendor endpoint responds with a
// non-success status, or when the orchestrator gives up on a date after
// a failed fetch. It is retried only by a later backfill pass.
type DownloadError struct {
	URL    string
	Status int
	Cause  error
}

func (e *DownloadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("download failed: %s: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("download failed: %s: status %d", e.URL, e.Status)
}

func (e *DownloadError) Unwrap() error { return e.Cause }

// ParseError is returned when a vendor payload cannot be normalized:
// regex match failure, table decode failure, timestamp failure, or a
// column-count/metadata mismatch. Always fatal for that date.
type ParseError struct {
	Stage string
	URL   string
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse failed (%s): %s: %v", e.Stage, e.URL, e.Cause)
	}
	return fmt.Sprintf("parse failed (%s): %s", e.Stage, e.URL)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// DataNotAvailableError signals that a date was previously fetched and
// confirmed empty. Callers must not retry the download.
type DataNotAvailableError struct {
	Site string
	Date time.Time
}

func (e *DataNotAvailableError) Error() string {
	return fmt.Sprintf("no data available: %s %s (placeholder present, do not retry)",
		e.Site, e.Date.Format(time.DateOnly))
}
