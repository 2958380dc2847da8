package middleware

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carewire/carewire/internal/fhirdoc"
)

// DefaultBodyLimit caps request bodies at 4 MB, enough for any authored
// topic or subscription document plus generous resource payloads.
const DefaultBodyLimit int64 = 4 << 20

// BodyLimit rejects request bodies over the limit with a 413 and an
// OperationOutcome body. The limit is enforced while reading, so a missing
// or lying Content-Length header does not bypass it.
func BodyLimit(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > limit {
				return payloadTooLargeError(c, limit)
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit}
			return next(c)
		}
	}
}

// limitedReadCloser wraps an io.ReadCloser and fails once the read limit is
// exceeded.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}

	// read at most one byte past the remaining budget to detect overflow
	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func payloadTooLargeError(c echo.Context, limit int64) error {
	oo := fhirdoc.NewOutcome(fhirdoc.SeverityError, fhirdoc.IssueProcessing,
		fmt.Sprintf("request body exceeds the maximum allowed size of %d bytes", limit))
	return c.JSON(http.StatusRequestEntityTooLarge, oo)
}
