package sunsynk

import (
	"fmt"
	"net/http"
)

// APIError is a non-success answer from the vendor API, either an HTTP status
// or a success=false envelope.
type APIError struct {
	Op     string
	Status int
	Code   int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("sunsynk %s: status %d code %d: %s", e.Op, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("sunsynk %s: status %d code %d", e.Op, e.Status, e.Code)
}

// HTTPStatus returns the status used to classify the failure. Envelope errors
// arrive with HTTP 200, so their vendor code is used when it looks like an
// HTTP status and they are otherwise treated as a bad request.
func (e *APIError) HTTPStatus() int {
	if e.Status != http.StatusOK {
		return e.Status
	}
	if e.Code >= 400 && e.Code < 600 {
		return e.Code
	}
	return http.StatusBadRequest
}

// NoDataError reports that the inverter has not uploaded any usable records
// for the requested day yet.
type NoDataError struct {
	Serial string
	Date   string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("sunsynk: no records for inverter %s on %s", e.Serial, e.Date)
}

// NoData marks the error as an empty-day answer rather than a failure.
func (e *NoDataError) NoData() bool { return true }
