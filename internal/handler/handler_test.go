package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/progress"
	"github.com/fusionn-autosub/internal/queue"
	"github.com/fusionn-autosub/internal/service/lifecycle"
	"github.com/fusionn-autosub/internal/store"
)

type fakeQueue struct {
	mu   sync.Mutex
	reqs []queue.Request
}

func (q *fakeQueue) Enqueue(_ context.Context, r queue.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, r)
	return nil
}

func (q *fakeQueue) Stats(context.Context) queue.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{
		Classes: map[job.ResourceClass]queue.ClassStats{
			job.ClassGeneral: {Queued: len(q.reqs)},
		},
	}
}

func newRouter(t *testing.T) (*gin.Engine, *fakeQueue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	q := &fakeQueue{}
	svc := lifecycle.New(lifecycle.Deps{
		Store:  store.NewMemory(),
		Broker: progress.NewHub(0, 0),
		Queue:  q,
	})
	r := gin.New()
	New(svc, q).RegisterRoutes(r)
	return r, q
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestCreateAndGetJob(t *testing.T) {
	r, q := newRouter(t)

	w := do(t, r, http.MethodPost, "/api/v1/jobs", job.Config{InputPath: "/videos/a.mkv", TargetLanguage: "vi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	created := decode[job.Job](t, w)
	if created.Status != job.StatusQueued || len(q.reqs) != 1 {
		t.Fatalf("unexpected job %+v (%d enqueued)", created, len(q.reqs))
	}

	w = do(t, r, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	if w.Code != http.StatusOK || decode[job.Job](t, w).ID != created.ID {
		t.Fatalf("get: %d %s", w.Code, w.Body)
	}
}

func TestErrorStatusCodes(t *testing.T) {
	r, _ := newRouter(t)

	if w := do(t, r, http.MethodPost, "/api/v1/jobs", job.Config{}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid config: %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/v1/jobs/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing job: %d", w.Code)
	}

	w := do(t, r, http.MethodPost, "/api/v1/jobs", job.Config{InputPath: "/videos/a.mkv"})
	id := decode[job.Job](t, w).ID
	if w := do(t, r, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body)
	}
	if w := do(t, r, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/api/v1/jobs/"+id+"/retry", nil); w.Code != http.StatusAccepted {
		t.Errorf("retry: %d %s", w.Code, w.Body)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	r, _ := newRouter(t)
	for _, p := range []string{"/a.mkv", "/b.mkv"} {
		do(t, r, http.MethodPost, "/api/v1/jobs", job.Config{InputPath: p})
	}
	first := decode[struct {
		Jobs []job.Job `json:"jobs"`
	}](t, do(t, r, http.MethodGet, "/api/v1/jobs", nil)).Jobs[0]
	do(t, r, http.MethodPost, "/api/v1/jobs/"+first.ID+"/cancel", nil)

	got := decode[struct {
		Jobs  []job.Job `json:"jobs"`
		Count int       `json:"count"`
	}](t, do(t, r, http.MethodGet, "/api/v1/jobs?status=cancelled", nil))
	if got.Count != 1 || got.Jobs[0].ID != first.ID {
		t.Fatalf("filtered list = %+v", got)
	}
}

func TestCreateBatchFromDirectory(t *testing.T) {
	r, q := newRouter(t)
	dir := t.TempDir()
	for _, name := range []string{"ep1.mkv", "ep2.MP4", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	w := do(t, r, http.MethodPost, "/api/v1/batches", CreateBatchRequest{
		Name:      "season 1",
		Directory: dir,
		Template:  job.Config{OutputFormats: []string{"srt", "vtt"}, TargetLanguage: "vi"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create batch: %d %s", w.Code, w.Body)
	}
	got := decode[struct {
		Batch job.Batch  `json:"batch"`
		Jobs  []*job.Job `json:"jobs"`
	}](t, w)
	if got.Batch.TotalJobs != 2 || len(got.Jobs) != 2 || len(q.reqs) != 2 {
		t.Fatalf("unexpected batch %+v", got)
	}
	if got.Jobs[0].Config.TargetLanguage != "vi" || len(got.Jobs[1].Config.OutputFormats) != 2 {
		t.Errorf("template not applied: %+v", got.Jobs[0].Config)
	}

	w = do(t, r, http.MethodGet, "/api/v1/batches/"+got.Batch.ID, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"summary"`) {
		t.Fatalf("get batch: %d %s", w.Code, w.Body)
	}
	w = do(t, r, http.MethodPost, "/api/v1/batches/"+got.Batch.ID+"/cancel", nil)
	if w.Code != http.StatusOK || decode[struct {
		Cancelled int `json:"cancelled"`
	}](t, w).Cancelled != 2 {
		t.Fatalf("cancel batch: %d %s", w.Code, w.Body)
	}

	if w := do(t, r, http.MethodPost, "/api/v1/batches", CreateBatchRequest{Name: "empty"}); w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: %d", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/api/v1/batches", CreateBatchRequest{Directory: filepath.Join(dir, "nope")}); w.Code != http.StatusBadRequest {
		t.Errorf("missing directory: %d", w.Code)
	}
}

func TestQueueStatsAndVersion(t *testing.T) {
	r, _ := newRouter(t)
	do(t, r, http.MethodPost, "/api/v1/jobs", job.Config{InputPath: "/a.mkv"})

	w := do(t, r, http.MethodGet, "/api/v1/queue/stats", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"general"`) {
		t.Fatalf("stats: %d %s", w.Code, w.Body)
	}
	w = do(t, r, http.MethodGet, "/api/v1/version", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"fusionn-autosub"`) {
		t.Fatalf("version: %d %s", w.Code, w.Body)
	}
}

func TestJobEventsStreamsUntilTerminal(t *testing.T) {
	r, _ := newRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	w := do(t, r, http.MethodPost, "/api/v1/jobs", job.Config{InputPath: "/a.mkv"})
	id := decode[job.Job](t, w).ID
	do(t, r, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil)

	resp, err := http.Get(srv.URL + "/api/v1/jobs/" + id + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Errorf("content type = %q", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(body), "event:status") || !strings.Contains(string(body), `"status":"CANCELLED"`) {
		t.Errorf("stream body = %s", body)
	}

	resp, err = http.Get(srv.URL + "/api/v1/jobs/missing/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job events: %d", resp.StatusCode)
	}
}
