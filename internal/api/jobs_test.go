package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/loom/internal/model"
)

const simpleGraft = `{"returns":"r","r":["add","x","y"],"x":1,"y":2}`

func postJob(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", ts.URL+"/v1/jobs", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Loom-User", "alice")
	req.Header.Set("X-Loom-Org", "acme")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) *model.Job {
	t.Helper()
	defer resp.Body.Close()
	var j model.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return &j
}

// waitForTerminal polls GET /v1/jobs/{id} until the job finishes.
func waitForTerminal(t *testing.T, ts *httptest.Server, id string) *model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/v1/jobs/" + id)
		if err != nil {
			t.Fatalf("GET job: %v", err)
		}
		j := decodeJob(t, resp)
		if j.State.Stage.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestCreateJobAccepted(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJob(t, ts, `{
		"graft": `+simpleGraft+`,
		"format": {"json": {}},
		"destination": {"download": {}}
	}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	j := decodeJob(t, resp)

	if j.ID == "" {
		t.Error("job has no id")
	}
	if j.State.Stage != model.StageQueued {
		t.Errorf("stage = %s, want QUEUED", j.State.Stage)
	}
	if j.User != "alice" || j.Org != "acme" {
		t.Errorf("identity = %s/%s, want alice/acme", j.User, j.Org)
	}

	done := waitForTerminal(t, ts, j.ID)
	if done.State.Stage != model.StageSucceeded {
		t.Errorf("final stage = %s, want SUCCEEDED", done.State.Stage)
	}
	if done.ResultURL == "" {
		t.Error("no result URL after success")
	}
}

func TestCreateJobCacheHitReturns200(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"graft": ` + simpleGraft + `, "format": {"json": {}}, "destination": {"download": {}}}`

	first := postJob(t, ts, body)
	j := decodeJob(t, first)
	waitForTerminal(t, ts, j.ID)

	second := postJob(t, ts, body)
	if second.StatusCode != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200", second.StatusCode)
	}
	dup := decodeJob(t, second)
	if dup.ID != j.ID {
		t.Errorf("duplicate job id = %s, want %s", dup.ID, j.ID)
	}
}

func TestCreateJobInvalidBody(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{nope`},
		{"missing graft", `{"format": {"json": {}}, "destination": {"download": {}}}`},
		{"no format", `{"graft": ` + simpleGraft + `, "destination": {"download": {}}}`},
		{"two formats", `{"graft": ` + simpleGraft + `, "format": {"json": {}, "csv": {}}, "destination": {"download": {}}}`},
		{"email without to", `{"graft": ` + simpleGraft + `, "format": {"json": {}}, "destination": {"email": {}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJob(t, ts, tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := 0; i < 3; i++ {
		graft := `{"returns":"x","x":` + string(rune('1'+i)) + `}`
		resp := postJob(t, ts, `{"graft": `+graft+`, "format": {"json": {}}, "destination": {"download": {}}}`)
		decodeJob(t, resp)
	}

	resp, err := http.Get(ts.URL + "/v1/jobs?limit=2")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var list listJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 3 {
		t.Errorf("total = %d, want 3", list.Total)
	}
	if len(list.Jobs) != 2 {
		t.Errorf("page size = %d, want 2", len(list.Jobs))
	}
}

func TestListJobsRejectsBadSince(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs?since=yesterday")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJob(t, ts, `{
		"graft": {"returns":"s","s":["sleep","ms"],"ms":30000},
		"format": {"json": {}},
		"destination": {"download": {}}
	}`)
	j := decodeJob(t, resp)

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/"+j.ID, nil)
	cancelResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer cancelResp.Body.Close()

	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", cancelResp.StatusCode)
	}
	var st model.State
	if err := json.NewDecoder(cancelResp.Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Stage != model.StageCancelled {
		t.Errorf("stage = %s, want CANCELLED", st.Stage)
	}
}

func TestCancelJobNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/nonexistent", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelTerminalJobIdempotent(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJob(t, ts, `{"graft": `+simpleGraft+`, "format": {"json": {}}, "destination": {"download": {}}}`)
	j := decodeJob(t, resp)
	waitForTerminal(t, ts, j.ID)

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/jobs/"+j.ID, nil)
	cancelResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer cancelResp.Body.Close()

	if cancelResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", cancelResp.StatusCode)
	}
	var st model.State
	if err := json.NewDecoder(cancelResp.Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Stage != model.StageSucceeded {
		t.Errorf("stage = %s, want SUCCEEDED unchanged", st.Stage)
	}
}

func TestCreateJobBodyTooLarge(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var buf bytes.Buffer
	buf.WriteString(`{"graft": {"returns":"x","x":"`)
	buf.Write(bytes.Repeat([]byte("a"), maxBodySize+1))
	buf.WriteString(`"}}`)

	resp, err := http.Post(ts.URL+"/v1/jobs", "application/json", &buf)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJob(t, ts, `{"graft": `+simpleGraft+`, "format": {"json": {}}, "destination": {"download": {}}}`)
	j := decodeJob(t, resp)
	waitForTerminal(t, ts, j.ID)

	statsResp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer statsResp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
	if stats.ByStage[string(model.StageSucceeded)] != 1 {
		t.Errorf("by_stage = %v, want one SUCCEEDED", stats.ByStage)
	}
	if stats.CacheSize != 1 {
		t.Errorf("cache_size = %d, want 1", stats.CacheSize)
	}
}

func TestChannelsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/channels")
	if err != nil {
		t.Fatalf("GET /v1/channels: %v", err)
	}
	defer resp.Body.Close()

	var channels channelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&channels); err != nil {
		t.Fatalf("decode channels: %v", err)
	}
	if len(channels.Channels) != 1 || channels.Channels[0] != "default" {
		t.Errorf("channels = %v, want [default]", channels.Channels)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status field = %q, want ok", health.Status)
	}
	if health.Version == "" {
		t.Error("healthz response has no version")
	}
	if health.Uptime == "" {
		t.Error("healthz response has no uptime")
	}
}
