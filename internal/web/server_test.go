package web

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

	"github.com/local/docdispatch/internal/hub"
	"github.com/local/docdispatch/internal/job"
	"github.com/local/docdispatch/internal/store"
)

// 1x1 transparent PNG; enough magic bytes for content detection.
var tinyPNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89\x00\x00\x00\rIDATx\x9cc\xf8\xff\xff?\x00\x05\xfe\x02\xfe\xdc\xccY\xe7\x00\x00\x00\x00IEND\xaeB`\x82")

type fakeEnqueuer struct {
	classes  []job.Class
	payloads [][]byte
	fail     bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, class job.Class, payload []byte) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.classes = append(f.classes, class)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeEnqueuer) Depths(context.Context, job.Class) (int64, int64, error) {
	return 2, 1, nil
}

type fakeStatuses struct {
	states map[string]store.JobState
}

func (f *fakeStatuses) Set(_ context.Context, jobID string, st store.JobState) error {
	if f.states == nil {
		f.states = map[string]store.JobState{}
	}
	f.states[jobID] = st
	return nil
}

func (f *fakeStatuses) Get(_ context.Context, jobID string) (store.JobState, bool, error) {
	st, ok := f.states[jobID]
	return st, ok, nil
}

func newTestServer(q Enqueuer, st Statuses) *Server {
	return New(Config{MaxUploadMB: 4, MaxUploadPages: 10}, q, st, hub.NewRegistry(time.Second))
}

func multipartUpload(t *testing.T, userID, fileName string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if userID != "" {
		if err := mw.WriteField("user_id", userID); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadEnqueuesExtractJob(t *testing.T) {
	q := &fakeEnqueuer{}
	st := &fakeStatuses{}
	srv := newTestServer(q, st)

	body, ctype := multipartUpload(t, "u-1", "photo.png", tinyPNG)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.handleUpload(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(q.classes) != 1 || q.classes[0] != job.ClassExtract {
		t.Fatalf("enqueued classes = %v", q.classes)
	}
	var j job.Job
	if err := json.Unmarshal(q.payloads[0], &j); err != nil {
		t.Fatalf("payload is not a job: %v", err)
	}
	if j.Meta.UserID != "u-1" || j.Meta.FileName != "photo.png" {
		t.Errorf("metadata = %+v", j.Meta)
	}
	if len(j.Files) != 1 || j.Files[0].DataB64 == "" {
		t.Error("file payload missing")
	}
	if got := st.states[j.ID].Status; got != job.StatusQueued {
		t.Errorf("initial status = %q", got)
	}
}

func TestUploadRequiresUserID(t *testing.T) {
	srv := newTestServer(&fakeEnqueuer{}, &fakeStatuses{})

	body, ctype := multipartUpload(t, "", "photo.png", tinyPNG)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.handleUpload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	srv := newTestServer(&fakeEnqueuer{}, &fakeStatuses{})

	body, ctype := multipartUpload(t, "u-1", "notes.txt", []byte("plain text content"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	srv.handleUpload(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestFormatEnqueuesFormatJob(t *testing.T) {
	q := &fakeEnqueuer{}
	srv := newTestServer(q, &fakeStatuses{})

	req := httptest.NewRequest(http.MethodPost, "/api/format",
		strings.NewReader(`{"user_id":"u-2","file_name":"doc.pdf","raw_text":"extracted body"}`))
	rec := httptest.NewRecorder()
	srv.handleFormat(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(q.classes) != 1 || q.classes[0] != job.ClassFormat {
		t.Fatalf("enqueued classes = %v", q.classes)
	}
	var j job.Job
	if err := json.Unmarshal(q.payloads[0], &j); err != nil {
		t.Fatal(err)
	}
	if j.RawText != "extracted body" {
		t.Errorf("raw text = %q", j.RawText)
	}
}

func TestFormatRequiresRawText(t *testing.T) {
	srv := newTestServer(&fakeEnqueuer{}, &fakeStatuses{})

	req := httptest.NewRequest(http.MethodPost, "/api/format",
		strings.NewReader(`{"user_id":"u-2"}`))
	rec := httptest.NewRecorder()
	srv.handleFormat(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestJobStatusLookup(t *testing.T) {
	st := &fakeStatuses{states: map[string]store.JobState{
		"abc": {Status: job.StatusFinished, Class: job.ClassExtract, UserID: "u-1"},
	}}
	srv := newTestServer(&fakeEnqueuer{}, st)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil)
	rec := httptest.NewRecorder()
	srv.handleJobStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != string(job.StatusFinished) {
		t.Errorf("status field = %v", out["status"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	rec = httptest.NewRecorder()
	srv.handleJobStatus(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d", rec.Code)
	}
}

func TestQueueDepthsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeEnqueuer{}, &fakeStatuses{})

	req := httptest.NewRequest(http.MethodGet, "/api/queues", nil)
	rec := httptest.NewRecorder()
	srv.handleQueues(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["extract"]["pending"] != 2 || out["extract"]["dead_letter"] != 1 {
		t.Errorf("depths = %v", out)
	}
}
