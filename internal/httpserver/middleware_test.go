package httpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type logRecord struct {
	Level        string   `json:"level"`
	Msg          string   `json:"msg"`
	Method       string   `json:"method"`
	Path         string   `json:"path"`
	Status       int      `json:"status"`
	OperationIDs []string `json:"operation_ids"`
}

// serveLogged runs one request through the full handler chain and returns
// the access log records it produced.
func serveLogged(t *testing.T, device Device, req *http.Request) (*httptest.ResponseRecorder, []logRecord) {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := New(defaultTestConfig(), logger, testInfo, device, nil)

	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	var records []logRecord
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var record logRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("decode log line %q: %v", scanner.Text(), err)
		}
		if record.Msg == "request complete" {
			records = append(records, record)
		}
	}
	if len(records) != 1 {
		t.Fatalf("expected one access log record, got %d: %s", len(records), buf.String())
	}
	return rec, records
}

func TestRequestLoggingReadsAtDebug(t *testing.T) {
	t.Parallel()

	rec, records := serveLogged(t, &fakeDevice{}, httptest.NewRequest(http.MethodGet, "/api/gpu", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	got := records[0]
	if got.Level != "DEBUG" || got.Method != http.MethodGet || got.Path != "/api/gpu" || got.Status != http.StatusOK {
		t.Fatalf("unexpected access record %+v", got)
	}
	if len(got.OperationIDs) != 0 {
		t.Fatalf("expected no operation ids, got %v", got.OperationIDs)
	}
}

func TestRequestLoggingRecordsOffsetOperation(t *testing.T) {
	t.Parallel()

	device := &fakeDevice{privileged: true}
	req := httptest.NewRequest(http.MethodPost, "/api/gpu/offset", strings.NewReader(`{"core":"50","mem":"-100"}`))
	rec, records := serveLogged(t, device, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	got := records[0]
	if got.Level != "INFO" || got.Path != "/api/gpu/offset" {
		t.Fatalf("unexpected access record %+v", got)
	}
	if len(got.OperationIDs) != 1 || got.OperationIDs[0] != "op-1" {
		t.Fatalf("expected operation id op-1, got %v", got.OperationIDs)
	}
}

func TestRequestLoggingRefusedOffsetKeepsOperation(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/gpu/offset", strings.NewReader(`{"core":"50","mem":"0"}`))
	rec, records := serveLogged(t, &fakeDevice{}, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rec.Code)
	}

	got := records[0]
	if got.Level != "INFO" || len(got.OperationIDs) != 1 || got.OperationIDs[0] != "op-1" {
		t.Fatalf("unexpected access record %+v", got)
	}
}

func TestRequestLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		method  string
		status  int
		offsets bool
		want    slog.Level
	}{
		{"Get", http.MethodGet, http.StatusOK, false, slog.LevelDebug},
		{"Head", http.MethodHead, http.StatusOK, false, slog.LevelDebug},
		{"Post", http.MethodPost, http.StatusBadRequest, false, slog.LevelInfo},
		{"WebsocketWithApply", http.MethodGet, http.StatusSwitchingProtocols, true, slog.LevelInfo},
		{"ServerError", http.MethodGet, http.StatusServiceUnavailable, false, slog.LevelWarn},
		{"RejectedWrite", http.MethodPost, http.StatusBadGateway, true, slog.LevelWarn},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := requestLogLevel(tc.method, tc.status, tc.offsets); got != tc.want {
				t.Fatalf("requestLogLevel(%s, %d, %t) = %v, want %v", tc.method, tc.status, tc.offsets, got, tc.want)
			}
		})
	}
}
