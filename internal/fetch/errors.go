package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// Class separates failures worth retrying from those that are not
type Class int

const (
	// ClassTransient covers timeouts, network errors, 5xx and rate limiting
	ClassTransient Class = iota
	// ClassPermanent covers authorization and not-found answers
	ClassPermanent
	// ClassNoData means the site answered but has no records for today yet
	ClassNoData
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassNoData:
		return "no_data"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// FetchError is the outcome of a logical fetch that produced no reading
type FetchError struct {
	SiteID   string
	Class    Class
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch site %s: %s failure after %d attempt(s): %v", e.SiteID, e.Class, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a permanent FetchError
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Class == ClassPermanent
}

type httpStatusError interface {
	HTTPStatus() int
}

type noDataError interface {
	NoData() bool
}

// Classify maps a source error onto a failure class.
func Classify(err error) Class {
	var nd noDataError
	if errors.As(err, &nd) && nd.NoData() {
		return ClassNoData
	}

	var se httpStatusError
	if errors.As(err, &se) {
		return classifyStatus(se.HTTPStatus())
	}

	// timeouts, network and decode errors
	return ClassTransient
}

// IsRateLimited reports whether err carries a 429 answer
func IsRateLimited(err error) bool {
	var se httpStatusError
	return errors.As(err, &se) && se.HTTPStatus() == http.StatusTooManyRequests
}

func classifyStatus(status int) Class {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}
