package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/kit/platform/errors"
)

const (
	// ErrorCodeHeader carries the error code of a failed request.
	ErrorCodeHeader = "X-Nexus-Error-Code"

	// LeaderHeader carries the leader hint of a not-leader error.
	LeaderHeader = "X-Nexus-Leader"
)

// ErrorHandler is the error handler in http package.
type ErrorHandler int

// HandleHTTPError encodes err with the appropriate status code and format,
// sets the X-Nexus-Error-Code header and, for not-leader errors, the
// X-Nexus-Leader header on the response.
func (h ErrorHandler) HandleHTTPError(ctx context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		return
	}

	code := errors.ErrorCode(err)
	w.Header().Set(ErrorCodeHeader, code)
	if leader, ok := nexus.LeaderHint(err); ok {
		w.Header().Set(LeaderHeader, strconv.FormatUint(leader, 10))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(StatusCode(code))

	e := &errors.Error{Code: code}
	var pe *errors.Error
	if stderrors.As(err, &pe) {
		e.Msg = err.Error()
		e.Op = errors.ErrorOp(err)
	} else {
		e.Msg = "An internal error has occurred"
	}
	b, _ := json.Marshal(e)
	_, _ = w.Write(b)
}

// StatusCode returns the HTTP status for an error code.
func StatusCode(code string) int {
	if c, ok := statusCodeError[code]; ok {
		return c
	}
	return http.StatusBadRequest
}

var statusCodeError = map[string]int{
	errors.EInternal:    http.StatusInternalServerError,
	errors.EInvalid:     http.StatusBadRequest,
	errors.EConflict:    http.StatusConflict,
	errors.ENotFound:    http.StatusNotFound,
	errors.EUnavailable: http.StatusServiceUnavailable,
	nexus.ENotLeader:    http.StatusMisdirectedRequest,
	nexus.ETimeout:      http.StatusGatewayTimeout,
	nexus.EIO:           http.StatusInternalServerError,
}

// CheckError reads the error written by HandleHTTPError from a response.
// It returns nil for 2xx responses.
func CheckError(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}

	code := resp.Header.Get(ErrorCodeHeader)
	if code == "" {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &errors.Error{
			Code: errors.EInternal,
			Msg:  fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, b),
		}
	}

	e := new(errors.Error)
	if err := json.NewDecoder(resp.Body).Decode(e); err != nil {
		return &errors.Error{
			Code: errors.EInternal,
			Msg:  fmt.Sprintf("decoding %q error", code),
			Err:  err,
		}
	}
	e.Code = code

	// The leader hint does not survive JSON, rebuild it from the header.
	if code == nexus.ENotLeader {
		leader, _ := strconv.ParseUint(resp.Header.Get(LeaderHeader), 10, 64)
		e.Err = &nexus.NotLeaderError{Leader: leader}
	}
	return e
}
