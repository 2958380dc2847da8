package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func run(mw echo.MiddlewareFunc, handler echo.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(handler)(c)
	return rec, err
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequestIDGeneratesNew(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec, err := run(RequestID(), okHandler, req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("no request id set on the response")
	}
}

func TestRequestIDPreservesInbound(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec, err := run(RequestID(), okHandler, req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "caller-supplied" {
		t.Fatalf("request id = %q", got)
	}
}

func TestLoggerWritesOneLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	req := httptest.NewRequest(http.MethodGet, "/Patient?name=smith", nil)
	if _, err := run(Logger(logger), okHandler, req); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output %q: %v", buf.String(), err)
	}
	if line["method"] != "GET" || line["path"] != "/Patient" {
		t.Fatalf("log line = %v", line)
	}
	if line["query"] != "name=smith" {
		t.Fatalf("query = %v", line["query"])
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	rec, err := run(Recovery(zerolog.Nop()), func(c echo.Context) error {
		panic("boom")
	}, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("recovery returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatal("panic value leaked to the client")
	}
}

func TestRecoveryPassesThrough(t *testing.T) {
	rec, err := run(Recovery(zerolog.Nop()), okHandler, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec, err := run(SecurityHeaders(), okHandler, httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBodyLimitAllowsSmallBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"resourceType":"Patient"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec, err := run(BodyLimit(1024), func(c echo.Context) error {
		var doc map[string]interface{}
		if err := c.Bind(&doc); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, doc)
	}, req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBodyLimitRejectsByContentLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	rec, err := run(BodyLimit(16), okHandler, req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestBodyLimitEnforcedDuringRead(t *testing.T) {
	// No Content-Length: the limit must trip while the handler reads.
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	req.ContentLength = -1

	_, err := run(BodyLimit(16), func(c echo.Context) error {
		buf := make([]byte, 128)
		for {
			if _, err := c.Request().Body.Read(buf); err != nil {
				return err
			}
		}
	}, req)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("err = %v, want 413", err)
	}
}

func TestRateLimitExhaustsBurst(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	e := echo.New()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := mw(okHandler)(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		codes = append(codes, rec.Code)
		if i == 2 {
			if rec.Header().Get("Retry-After") == "" {
				t.Error("throttled response has no Retry-After header")
			}
			if !strings.Contains(rec.Body.String(), "throttled") {
				t.Errorf("body = %s", rec.Body.String())
			}
		}
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("request %d status = %d, want %d", i, codes[i], want[i])
		}
	}
}

func TestRateLimitIsolatesTenants(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	e := echo.New()

	request := func(tenant string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("tenant")
		c.SetParamValues(tenant)
		if err := mw(okHandler)(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		return rec.Code
	}

	if request("alpha") != http.StatusOK {
		t.Fatal("first alpha request throttled")
	}
	if request("alpha") != http.StatusTooManyRequests {
		t.Fatal("second alpha request not throttled")
	}
	if request("beta") != http.StatusOK {
		t.Fatal("beta was throttled by alpha's bucket")
	}
}

func TestRateLimitDisabledAtZeroRate(t *testing.T) {
	mw := RateLimit(RateLimitConfig{})
	e := echo.New()
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		if err := mw(okHandler)(e.NewContext(req, rec)); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}
}
