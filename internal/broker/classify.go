package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// httpStatusError is implemented by provider API errors that carry a response status.
type httpStatusError interface {
	HTTPStatus() int
}

// ClassifyError maps a provider or network failure onto the broker taxonomy.
//
//   - already tagged errors pass through unchanged
//   - 401 or invalid_grant: NeedsAuth (never retried)
//   - 429: RateLimited
//   - network failures, deadlines and 5xx: Transient
//   - everything else: Fatal
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var be *Error
	if errors.As(err, &be) {
		return err
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || strings.Contains(string(re.Body), "invalid_grant") {
			return Wrap(KindNeedsAuth, err, "refresh token rejected by provider")
		}
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return classifyStatus(status, err)
	}

	var se httpStatusError
	if errors.As(err, &se) {
		return classifyStatus(se.HTTPStatus(), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTransient, err, "operation timed out")
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Wrap(KindTransient, err, "network error")
	}

	return Wrap(KindFatal, err, "")
}

func classifyStatus(status int, err error) error {
	var out *Error
	switch {
	case status == http.StatusUnauthorized:
		out = Wrap(KindNeedsAuth, err, "provider rejected credentials")
	case status == http.StatusTooManyRequests:
		out = Wrap(KindRateLimited, err, "provider rate limit exceeded")
	case status >= 500:
		out = Wrap(KindTransient, err, "provider unavailable")
	default:
		out = Wrap(KindFatal, err, "")
	}
	out.Status = status
	out.StatusText = http.StatusText(status)
	return out
}
