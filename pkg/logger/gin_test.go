package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMiddleware_EchoesRequestIDAndScopesLogger(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(NewWriter("prod", &buf)))
	r.GET("/v1/numbers/:id", func(c *gin.Context) {
		FromGin(c).Info("inside handler")
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/numbers/abc", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(HeaderRequestID); got != "req-1" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("log line not json: %v", err)
		}
		if rec["request_id"] != "req-1" || rec["service"] != "sms-receive" {
			t.Fatalf("missing request attrs: %v", rec)
		}
	}
	var summary map[string]any
	_ = json.Unmarshal([]byte(lines[1]), &summary)
	if summary["path"] != "/v1/numbers/:id" {
		t.Fatalf("expected route template in summary, got %v", summary["path"])
	}
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	r := gin.New()
	r.Use(Middleware(Nop()))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Header().Get(HeaderRequestID) == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestFrom_FallsBackToDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if From(req.Context()) == nil {
		t.Fatalf("expected default logger")
	}
}
