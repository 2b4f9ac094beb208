package api

import (
	"context"
	"fmt"
	"logbook/internal/autofill"
	"logbook/internal/config"
	"logbook/internal/engine"
	"logbook/internal/models"
	"logbook/internal/session"
	"logbook/internal/telemetry"
	"logbook/internal/telemetry/devicetest"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v18/arrow/ipc"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
)

const logbookTemplate = `"Time
Start","Time
Stop","LD
Current (mA)","Wavemeter
Frequency (THz)",Comment
,,toptica://%s/laser1:dl:cc:current-act,mqtt://lab/wavemeter/ch1,
2021-04-20 09:00:00,2021-04-20 11:30:00,120.5,515.1234567,first run
2021-04-21 09:00:00,2021-04-21 10:00:00,121.0,515.123457,second run
`

func newTestServer(t *testing.T) (*echo.Echo, *session.Manager) {
	t.Helper()
	srv := devicetest.Start(t, map[string]string{"laser1:dl:cc:current-act": "118.26"})
	path := filepath.Join(t.TempDir(), "583nm.csv")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(logbookTemplate, srv.Addr())), 0o644); err != nil {
		t.Fatal(err)
	}

	m := session.NewManager(nil)
	opts := session.Options{
		Load:   engine.DefaultLoadOptions(),
		Policy: autofill.DefaultPolicy(),
		Device: telemetry.DeviceConfig{Timeout: 200 * time.Millisecond},
	}
	books := []config.LogbookConfig{{Name: "Er 583 nm", Filename: path}}
	if err := m.LoadAll(context.Background(), books, opts); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	NewHandler(m).RegisterRoutes(e)
	return e, m
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Bad response body %q: %v", rec.Body.String(), err)
	}
}

const base = "/api/logbooks/Er%20583%20nm"

func TestListLogbooks(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, "/api/logbooks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var out []models.LogbookSummary
	decode(t, rec, &out)
	if len(out) != 1 {
		t.Fatalf("Expected 1 logbook, got %d", len(out))
	}
	if out[0].Name != "Er 583 nm" || out[0].Rows != 2 || out[0].Hours != 3.5 || out[0].Days != 0.1 {
		t.Errorf("Unexpected summary %+v", out[0])
	}
	if out[0].InUse {
		t.Error("Logbook with closed entries should not be in use")
	}
}

func TestGetLogbook(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, base, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var out models.LogbookDetail
	decode(t, rec, &out)
	if len(out.Columns) != 5 {
		t.Fatalf("Expected 5 columns, got %d", len(out.Columns))
	}
	wm := out.Columns[3]
	if wm.Group != "Wavemeter" || wm.Kind != "numeric" || wm.Precision != 7 || wm.Source != "mqtt://lab/wavemeter/ch1" {
		t.Errorf("Unexpected column %+v", wm)
	}
	if out.Columns[4].Source != "" {
		t.Errorf("Unbound column should have no source, got %q", out.Columns[4].Source)
	}

	if rec := do(e, http.MethodGet, "/api/logbooks/unknown", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestGetRows(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, base+"/rows?limit=1&offset=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var page models.RowsPage
	decode(t, rec, &page)
	if page.Total != 2 || page.Limit != 1 || page.Offset != 1 || len(page.Data) != 1 {
		t.Fatalf("Unexpected page %+v", page)
	}
	if page.Data[0][4] != "first run" {
		t.Errorf("Expected the oldest row, got %q", page.Data[0])
	}
}

func TestEditCells(t *testing.T) {
	e, m := newTestServer(t)

	rec := do(e, http.MethodPut, base+"/rows/0/cells/4", `{"value": "re-aligned"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	lb, _ := m.Get("Er 583 nm")
	if got := lb.Rows(0, 1)[0][4]; got != "re-aligned" {
		t.Errorf("Expected re-aligned, got %q", got)
	}

	if rec := do(e, http.MethodPut, base+"/rows/9/cells/4", `{"value": "x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out of range cell, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPut, base+"/rows/0/cells/4", `{"value": 5}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPut, base+"/rows/x/cells/4", `{"value": "x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad row, got %d", rec.Code)
	}

	if rec := do(e, http.MethodDelete, base+"/rows/1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}
	if lb.RowCount() != 1 {
		t.Errorf("Expected 1 row after delete, got %d", lb.RowCount())
	}
}

func TestEntryLifecycle(t *testing.T) {
	e, m := newTestServer(t)
	lb, _ := m.Get("Er 583 nm")

	if rec := do(e, http.MethodPost, base+"/autofill", ""); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a complete entry, got %d", rec.Code)
	}

	rec := do(e, http.MethodPost, base+"/entries", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}
	var sum models.LogbookSummary
	decode(t, rec, &sum)
	if !sum.InUse || sum.Rows != 3 || !sum.Modified {
		t.Errorf("Unexpected summary %+v", sum)
	}

	if rec := do(e, http.MethodPost, base+"/entries", ""); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while the entry is open, got %d", rec.Code)
	}

	rec = do(e, http.MethodPost, base+"/autofill", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var rep models.AutofillReport
	decode(t, rec, &rep)
	if len(rep.Filled) != 1 || len(rep.Unavailable) != 1 || rep.Unavailable[0] != "Wavemeter\nFrequency (THz)" {
		t.Errorf("Unexpected report %+v", rep)
	}
	if got := lb.Rows(0, 1)[0][2]; got != "118.3" {
		t.Errorf("Expected autofilled current 118.3, got %q", got)
	}

	rec = do(e, http.MethodPost, base+"/save", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if lb.Modified() {
		t.Error("Expected unmodified after save")
	}
}

func TestGetSources(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, base+"/sources", "")
	var out []models.SourceInfo
	decode(t, rec, &out)
	if len(out) != 2 || out[0].Column != 2 || !strings.HasPrefix(out[0].Source, "toptica://") {
		t.Errorf("Unexpected sources %+v", out)
	}
}

func TestGetPlot(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodGet, base+"/plot?cols=2,3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != ArrowStreamType {
		t.Errorf("Expected %s, got %s", ArrowStreamType, ct)
	}
	r, err := ipc.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Release()
	if !r.Next() {
		t.Fatal("Expected a record in the stream")
	}
	got := r.Record()
	if got.NumRows() != 2 || got.NumCols() != 3 {
		t.Errorf("Expected 2x3 record, got %dx%d", got.NumRows(), got.NumCols())
	}
	if got.ColumnName(1) != "LD Current (mA)" {
		t.Errorf("Expected label without line break, got %q", got.ColumnName(1))
	}

	rec = do(e, http.MethodGet, base+"/plot?cols=2&rows=0&format=json", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "121") {
		t.Errorf("Unexpected JSON plot %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, base+"/plot?cols=2,3&format=png&width=400&height=200", "")
	if rec.Code != http.StatusOK || rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Errorf("Expected a PNG, got %d %s", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}
	if rec := do(e, http.MethodGet, base+"/plot?cols=2&rows=0&format=png", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a single point chart, got %d", rec.Code)
	}

	if rec := do(e, http.MethodGet, base+"/plot?cols=0,1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for time-only selection, got %d", rec.Code)
	}
	if rec := do(e, http.MethodGet, base+"/plot?cols=a", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad column list, got %d", rec.Code)
	}
}
