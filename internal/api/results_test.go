package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetResult(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJob(t, ts, `{"graft": `+simpleGraft+`, "format": {"json": {}}, "destination": {"download": {}}}`)
	j := decodeJob(t, resp)
	done := waitForTerminal(t, ts, j.ID)
	if done.ResultURL == "" {
		t.Fatal("no result URL")
	}

	token := done.ResultURL[strings.LastIndex(done.ResultURL, "/")+1:]
	resultResp, err := http.Get(ts.URL + "/v1/results/" + token)
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	defer resultResp.Body.Close()

	if resultResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resultResp.StatusCode)
	}
	if ct := resultResp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	body, err := io.ReadAll(resultResp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "3" {
		t.Errorf("body = %q, want 3", body)
	}
}

func TestGetResultNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/results/no-such-token")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
