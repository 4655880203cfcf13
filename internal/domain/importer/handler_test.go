package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/qualitytracker/internal/platform/auth"
)

func newTestHandler(t *testing.T, existing ...ExistingRecord) (*Handler, *serviceFixture, *echo.Echo) {
	t.Helper()
	f := newServiceFixture(t, existing...)
	return NewHandler(f.svc), f, echo.New()
}

func multipartUpload(t *testing.T, fields map[string]string, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		part.Write([]byte(content))
	}
	w.Close()
	return body, w.FormDataContentType()
}

func uploadContext(t *testing.T, e *echo.Echo, fields map[string]string, fileName, content string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	body, ct := multipartUpload(t, fields, fileName, content)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/preview", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func previewContext(e *echo.Echo, method, target string, id string) (echo.Context, *httptest.ResponseRecorder) {
	return previewContextAs(e, method, target, id, "staff-1", auth.RoleStaff)
}

func previewContextAs(e *echo.Echo, method, target, id, userID string, roles ...string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, nil)
	req = req.WithContext(auth.ContextWithUser(req.Context(), userID, roles))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_CreatePreview(t *testing.T) {
	h, _, e := newTestHandler(t, awvExisting(strPtr("Not Addressed")))
	c, rec := uploadContext(t, e, map[string]string{"system_id": "hill", "mode": "merge"}, "hill.csv", hillCSV)

	if err := h.CreatePreview(c); err != nil {
		t.Fatalf("CreatePreview() error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var p Preview
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID == uuid.Nil || p.SystemID != "hill" {
		t.Errorf("unexpected preview: %+v", p)
	}
	if p.Diff == nil || p.Diff.Summary.Updates != 1 || p.Diff.Summary.Inserts != 1 {
		t.Errorf("diff = %+v", p.Diff)
	}
}

func TestHandler_CreatePreview_BadRequests(t *testing.T) {
	owner := uuid.New().String()
	tests := []struct {
		name     string
		fields   map[string]string
		fileName string
		content  string
		want     int
	}{
		{"no file", map[string]string{"system_id": "hill"}, "", "", http.StatusBadRequest},
		{"no system", map[string]string{}, "hill.csv", hillCSV, http.StatusBadRequest},
		{"unknown system", map[string]string{"system_id": "nope"}, "hill.csv", hillCSV, http.StatusBadRequest},
		{"bad mode", map[string]string{"system_id": "hill", "mode": "upsert"}, "hill.csv", hillCSV, http.StatusBadRequest},
		{"bad owner", map[string]string{"system_id": "hill", "owner_id": "x"}, "hill.csv", hillCSV, http.StatusBadRequest},
		{"unsupported type", map[string]string{"system_id": "hill"}, "hill.pdf", "%PDF", http.StatusBadRequest},
		{"empty file", map[string]string{"system_id": "hill", "owner_id": owner}, "hill.csv", "", http.StatusBadRequest},
		{"missing columns", map[string]string{"system_id": "hill"}, "hill.csv", "Patient\nJohn\n", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler(t)
			c, _ := uploadContext(t, e, tt.fields, tt.fileName, tt.content)
			err := h.CreatePreview(c)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := httpStatus(t, err); got != tt.want {
				t.Errorf("status = %d, want %d (%v)", got, tt.want, err)
			}
		})
	}
}

func TestHandler_CreatePreview_DefaultSystem(t *testing.T) {
	h, _, e := newTestHandler(t)
	h.SetDefaultSystem("hill")
	c, rec := uploadContext(t, e, map[string]string{}, "hill.csv", hillCSV)
	if err := h.CreatePreview(c); err != nil {
		t.Fatalf("CreatePreview() error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestHandler_CreatePreview_TooLarge(t *testing.T) {
	h, _, e := newTestHandler(t)
	h.SetMaxUpload(16)
	c, _ := uploadContext(t, e, map[string]string{"system_id": "hill"}, "hill.csv", hillCSV)

	err := h.CreatePreview(c)
	if err == nil || httpStatus(t, err) != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}
}

func TestHandler_MissingColumnsBody(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := uploadContext(t, e, map[string]string{"system_id": "hill"}, "hill.csv", "Patient,Annual Wellness Visit Q2\nJohn,Done\n")

	err := h.CreatePreview(c)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	msg, ok := he.Message.(map[string]interface{})
	if !ok {
		t.Fatalf("expected structured message, got %T", he.Message)
	}
	missing, _ := msg["missing_required"].([]string)
	if len(missing) != 1 || missing[0] != "DOB" {
		t.Errorf("missing_required = %v", msg["missing_required"])
	}
}

func TestHandler_GetPreview(t *testing.T) {
	h, f, e := newTestHandler(t, awvExisting(strPtr("Not Addressed")))
	p := f.preview(t, ModeMerge)

	c, rec := previewContext(e, http.MethodGet, "/?action=insert", p.ID.String())
	if err := h.GetPreview(c); err != nil {
		t.Fatalf("GetPreview() error: %v", err)
	}
	var got Preview
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Diff.Changes) != 1 || got.Diff.Changes[0].Action != ActionInsert {
		t.Errorf("filtered changes = %+v", got.Diff.Changes)
	}
	if got.Diff.Summary.Updates != 1 {
		t.Error("filtering should not alter the summary")
	}

	stored, _ := f.svc.GetPreview(c.Request().Context(), p.ID)
	if len(stored.Diff.Changes) != 2 {
		t.Error("filtering must not mutate the staged preview")
	}

	c, _ = previewContext(e, http.MethodGet, "/?action=merge", p.ID.String())
	if err := h.GetPreview(c); err == nil || httpStatus(t, err) != http.StatusBadRequest {
		t.Errorf("expected 400 for bad action, got %v", err)
	}
}

func TestHandler_GetPreview_NotFoundAndExpired(t *testing.T) {
	h, f, e := newTestHandler(t)
	p := f.preview(t, ModeMerge)

	c, _ := previewContext(e, http.MethodGet, "/", "not-a-uuid")
	if err := h.GetPreview(c); err == nil || httpStatus(t, err) != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}

	c, _ = previewContext(e, http.MethodGet, "/", uuid.New().String())
	if err := h.GetPreview(c); err == nil || httpStatus(t, err) != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}

	f.now = f.now.Add(DefaultPreviewTTL + time.Minute)
	c, _ = previewContext(e, http.MethodGet, "/", p.ID.String())
	if err := h.GetPreview(c); err == nil || httpStatus(t, err) != http.StatusGone {
		t.Errorf("expected 410, got %v", err)
	}
}

func TestHandler_PreviewReads_PhysicianScoped(t *testing.T) {
	h, f, e := newTestHandler(t)
	owner := uuid.New()
	owned, err := f.svc.CreatePreview(context.Background(), PreviewRequest{
		FileName: "hill.csv", Data: []byte(hillCSV), SystemID: "hill", Mode: ModeMerge, OwnerID: &owner,
	})
	if err != nil {
		t.Fatalf("CreatePreview() error: %v", err)
	}
	unowned := f.preview(t, ModeMerge)

	reads := map[string]echo.HandlerFunc{
		"get":     h.GetPreview,
		"changes": h.ListPreviewChanges,
		"summary": h.GetPreviewSummary,
	}
	for name, read := range reads {
		c, _ := previewContextAs(e, http.MethodGet, "/", owned.ID.String(), owner.String(), auth.RolePhysician)
		if err := read(c); err != nil {
			t.Errorf("%s: owner should read own preview, got %v", name, err)
		}

		c, _ = previewContextAs(e, http.MethodGet, "/", owned.ID.String(), uuid.NewString(), auth.RolePhysician)
		if err := read(c); err == nil || httpStatus(t, err) != http.StatusNotFound {
			t.Errorf("%s: expected 404 for another physician, got %v", name, err)
		}

		c, _ = previewContextAs(e, http.MethodGet, "/", unowned.ID.String(), owner.String(), auth.RolePhysician)
		if err := read(c); err == nil || httpStatus(t, err) != http.StatusNotFound {
			t.Errorf("%s: expected 404 for unowned preview, got %v", name, err)
		}

		c, _ = previewContextAs(e, http.MethodGet, "/", owned.ID.String(), "not-a-uuid", auth.RolePhysician)
		if err := read(c); err == nil || httpStatus(t, err) != http.StatusForbidden {
			t.Errorf("%s: expected 403 for unlinked physician, got %v", name, err)
		}

		c, _ = previewContextAs(e, http.MethodGet, "/", owned.ID.String(), "admin-1", auth.RoleAdmin)
		if err := read(c); err != nil {
			t.Errorf("%s: admin should read any preview, got %v", name, err)
		}
	}
}

func TestHandler_ListPreviewChanges(t *testing.T) {
	h, f, e := newTestHandler(t, awvExisting(strPtr("Not Addressed")))
	p := f.preview(t, ModeMerge)

	c, rec := previewContext(e, http.MethodGet, "/?limit=1&offset=1", p.ID.String())
	if err := h.ListPreviewChanges(c); err != nil {
		t.Fatalf("ListPreviewChanges() error: %v", err)
	}
	var resp struct {
		Data    []DiffChange `json:"data"`
		Total   int          `json:"total"`
		HasMore bool         `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 1 || resp.HasMore {
		t.Errorf("page = %+v", resp)
	}
	if resp.Data[0].MemberName != "Jane Doe" {
		t.Errorf("second change = %+v", resp.Data[0])
	}

	c, rec = previewContext(e, http.MethodGet, "/?action=UPDATE", p.ID.String())
	if err := h.ListPreviewChanges(c); err != nil {
		t.Fatalf("ListPreviewChanges() error: %v", err)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || resp.Data[0].Action != ActionUpdate {
		t.Errorf("filtered page = %+v", resp)
	}
}

func TestHandler_GetPreviewSummary(t *testing.T) {
	h, f, e := newTestHandler(t)
	p := f.preview(t, ModeReplace)

	c, rec := previewContext(e, http.MethodGet, "/", p.ID.String())
	if err := h.GetPreviewSummary(c); err != nil {
		t.Fatalf("GetPreviewSummary() error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Import Mode: REPLACE") || !strings.Contains(body, "Inserts:    2") {
		t.Errorf("summary text = %q", body)
	}
	if !strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMETextPlain) {
		t.Errorf("content type = %s", rec.Header().Get(echo.HeaderContentType))
	}
}

func TestHandler_ExecutePreview(t *testing.T) {
	h, f, e := newTestHandler(t, awvExisting(strPtr("Not Addressed")))
	p := f.preview(t, ModeMerge)

	c, rec := previewContext(e, http.MethodPost, "/", p.ID.String())
	if err := h.ExecutePreview(c); err != nil {
		t.Fatalf("ExecutePreview() error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var report ExecutionReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Applied.Total() != 2 {
		t.Errorf("applied = %+v", report.Applied)
	}

	c, _ = previewContext(e, http.MethodPost, "/", p.ID.String())
	if err := h.ExecutePreview(c); err == nil || httpStatus(t, err) != http.StatusNotFound {
		t.Errorf("second execute should be 404, got %v", err)
	}
}

func TestHandler_CancelPreview(t *testing.T) {
	h, f, e := newTestHandler(t)
	p := f.preview(t, ModeMerge)

	c, rec := previewContext(e, http.MethodDelete, "/", p.ID.String())
	if err := h.CancelPreview(c); err != nil {
		t.Fatalf("CancelPreview() error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_MapColumns(t *testing.T) {
	h, _, e := newTestHandler(t)

	body := `{"headers":["Patient","DOB","Annual Wellness Visit Q2","Mystery"]}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("hill")

	if err := h.MapColumns(c); err != nil {
		t.Fatalf("MapColumns() error: %v", err)
	}
	var result MappingResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Stats.Patient != 2 || result.Stats.Measure != 1 || result.Stats.Unmapped != 1 {
		t.Errorf("stats = %+v", result.Stats)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("nope")
	if err := h.MapColumns(c); err == nil || httpStatus(t, err) != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"headers":[]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("hill")
	if err := h.MapColumns(c); err == nil || httpStatus(t, err) != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListSystems(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	if err := h.ListSystems(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ListSystems() error: %v", err)
	}
	var systems []SystemSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &systems); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(systems) != 1 || systems[0].ID != "hill" {
		t.Errorf("systems = %+v", systems)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler(t)
	api := e.Group("/api/v1")
	h.RegisterRoutes(api)

	routePaths := make(map[string]bool)
	for _, r := range e.Routes() {
		routePaths[r.Method+":"+r.Path] = true
	}

	expected := []string{
		"GET:/api/v1/import-systems",
		"POST:/api/v1/import-systems/:id/map-columns",
		"POST:/api/v1/imports/preview",
		"GET:/api/v1/imports/previews/:id",
		"GET:/api/v1/imports/previews/:id/changes",
		"GET:/api/v1/imports/previews/:id/summary",
		"POST:/api/v1/imports/previews/:id/execute",
		"DELETE:/api/v1/imports/previews/:id",
	}
	for _, path := range expected {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}
