package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"notesmith/internal/app"
	"notesmith/internal/index"
	"notesmith/internal/util"
	"notesmith/pkg/domain"
	"notesmith/pkg/queue"
	"notesmith/pkg/storage"
	"notesmith/pkg/store"
)

type memQueue struct {
	jobs map[string]queue.JobStatus
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(map[string]queue.JobStatus)}
}

func (q *memQueue) Enqueue(ctx context.Context, documentID string, kind domain.JobKind, contentType domain.ContentType) (queue.JobStatus, error) {
	job := queue.JobStatus{
		ID:          util.NewID(),
		DocumentID:  documentID,
		Kind:        kind,
		ContentType: contentType,
		Status:      queue.StatusQueued,
	}
	q.jobs[job.ID] = job
	return job, nil
}

func (q *memQueue) GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error) {
	job, ok := q.jobs[jobID]
	return job, ok, nil
}

type flatEmbedder struct{}

func (flatEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r % 5)
	}
	return vec, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ix, err := index.New(index.Config{Store: st, Embedder: flatEmbedder{}, EmbedDim: 4, ChunkSize: 100})
	if err != nil {
		t.Fatalf("indexer: %v", err)
	}
	a, err := app.New(app.Config{Store: st, Objects: objects, Jobs: newMemQueue(), Indexer: ix})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: a})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func doRequest(t *testing.T, method, url, owner string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func uploadFile(t *testing.T, ts *httptest.Server, owner, filename, content string) domain.Document {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	resp := doRequest(t, http.MethodPost, ts.URL+"/documents", owner, &buf, mw.FormDataContentType())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload expected 201, got %d", resp.StatusCode)
	}
	var doc domain.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return doc
}

func TestRoutesRequireOwnerHeader(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/documents", "/documents/some-id", "/search?q=x"} {
		resp := doRequest(t, http.MethodGet, ts.URL+path, "", nil, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without owner expected 401, got %d", path, resp.StatusCode)
		}
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz expected 200, got %d", resp.StatusCode)
	}
}

func TestUploadListAndGetDocument(t *testing.T) {
	ts, _ := newTestServer(t)
	doc := uploadFile(t, ts, "alice", "lecture.txt", "document body text")

	resp := doRequest(t, http.MethodGet, ts.URL+"/documents", "alice", nil, "")
	defer resp.Body.Close()
	var list struct {
		Items []domain.Document `json:"items"`
		Count int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || list.Items[0].ID != doc.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	got := doRequest(t, http.MethodGet, ts.URL+"/documents/"+doc.ID, "alice", nil, "")
	got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("get expected 200, got %d", got.StatusCode)
	}

	foreign := doRequest(t, http.MethodGet, ts.URL+"/documents/"+doc.ID, "bob", nil, "")
	foreign.Body.Close()
	if foreign.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get expected 404, got %d", foreign.StatusCode)
	}
}

func TestGenerateEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	doc := uploadFile(t, ts, "alice", "lecture.txt", "document body text")

	body := bytes.NewBufferString(`{"contentType":"summary"}`)
	resp := doRequest(t, http.MethodPost, ts.URL+"/documents/"+doc.ID+"/generate", "alice", body, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("generate on uploaded document expected 400, got %d", resp.StatusCode)
	}

	if err := st.SetStatus(doc.ID, domain.StatusProcessing, ""); err != nil {
		t.Fatalf("set processing: %v", err)
	}
	err := st.CompleteDocument(doc.ID, &domain.GeneratedContent{
		ID: util.NewID(), DocumentID: doc.ID, ContentType: domain.ContentNotes, ContentData: "## Notes",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	body = bytes.NewBufferString(`{"contentType":"summary"}`)
	resp = doRequest(t, http.MethodPost, ts.URL+"/documents/"+doc.ID+"/generate", "alice", body, "application/json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate expected 202, got %d", resp.StatusCode)
	}
	var job queue.JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Kind != domain.JobGenerate || job.ContentType != domain.ContentSummary {
		t.Fatalf("unexpected job: %+v", job)
	}

	jobResp := doRequest(t, http.MethodGet, ts.URL+"/jobs/"+job.ID, "alice", nil, "")
	jobResp.Body.Close()
	if jobResp.StatusCode != http.StatusOK {
		t.Fatalf("job lookup expected 200, got %d", jobResp.StatusCode)
	}

	foreignResp := doRequest(t, http.MethodGet, ts.URL+"/jobs/"+job.ID, "bob", nil, "")
	foreignResp.Body.Close()
	if foreignResp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign job lookup expected 404, got %d", foreignResp.StatusCode)
	}

	body = bytes.NewBufferString(`{"contentType":"poem"}`)
	resp = doRequest(t, http.MethodPost, ts.URL+"/documents/"+doc.ID+"/generate", "alice", body, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown content type expected 400, got %d", resp.StatusCode)
	}

	body = bytes.NewBufferString(`not json`)
	resp = doRequest(t, http.MethodPost, ts.URL+"/documents/"+doc.ID+"/generate", "alice", body, "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid body expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	doc := uploadFile(t, ts, "alice", "lecture.txt", "document body text")

	resp := doRequest(t, http.MethodDelete, ts.URL+"/documents/"+doc.ID, "alice", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete expected 200, got %d", resp.StatusCode)
	}

	got := doRequest(t, http.MethodGet, ts.URL+"/documents/"+doc.ID, "alice", nil, "")
	got.Body.Close()
	if got.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted document expected 404, got %d", got.StatusCode)
	}
}

func TestSearchEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	doc := uploadFile(t, ts, "alice", "lecture.txt", "document body text")
	err := st.ReplaceChunks(doc.ID, []domain.Chunk{{
		ID: util.NewID(), DocumentID: doc.ID, Content: "photosynthesis", Embedding: []float32{1, 2, 3, 4},
	}})
	if err != nil {
		t.Fatalf("seed chunks: %v", err)
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/search?q=photosynthesis", "alice", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Items []app.SearchResult `json:"items"`
		Count int                `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if out.Count != 1 || out.Items[0].Document.ID != doc.ID {
		t.Fatalf("unexpected search result: %+v", out)
	}

	empty := doRequest(t, http.MethodGet, ts.URL+"/search?q=", "alice", nil, "")
	empty.Body.Close()
	if empty.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty query expected 400, got %d", empty.StatusCode)
	}
}

func TestLogsEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	doc := uploadFile(t, ts, "alice", "lecture.txt", "document body text")
	if err := st.AppendLog(domain.LogEntry{ID: util.NewID(), DocumentID: doc.ID, Level: domain.LogInfo, Message: "processing started"}); err != nil {
		t.Fatalf("append log: %v", err)
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/documents/"+doc.ID+"/logs", "alice", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Items []domain.LogEntry `json:"items"`
		Count int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if out.Count != 1 || !strings.Contains(out.Items[0].Message, "started") {
		t.Fatalf("unexpected logs: %+v", out)
	}
}
