package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/engine"
	"github.com/mattjoyce/kiln/internal/events"
	"github.com/mattjoyce/kiln/internal/store"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace.Root = filepath.Join(t.TempDir(), "ws")
	cfg.Runner = config.RunnerConfig{
		Command: "/bin/sh",
		Args: []string{"-c",
			`echo w > model/weights.bin; echo '{"type":"status","state":"succeeded"}'`,
			"runner"},
		GracePeriod: 2 * time.Second,
	}
	eng, err := engine.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return New(Config{Listen: "127.0.0.1:0"}, eng), eng
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Routes(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestProjectEndpoints(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPost, "/projects", map[string]string{"name": "mnist"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	p := decode[store.Project](t, rec)

	rec = doJSON(t, h, http.MethodGet, "/projects", nil)
	if list := decode[[]store.Project](t, rec); len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	rec = doJSON(t, h, http.MethodGet, "/projects/"+p.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/projects/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing project status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/projects/"+p.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Routes(), http.MethodPost, "/projects", map[string]string{"name": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRunThroughAPI(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPost, "/projects", map[string]string{"name": "demo"})
	p := decode[store.Project](t, rec)

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "d.csv"), []byte("1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	rec = doJSON(t, h, http.MethodPost, "/projects/"+p.ID+"/datasets", map[string]string{
		"name":        "train",
		"source_path": src,
		"mode":        "copy",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("dataset status = %d: %s", rec.Code, rec.Body.String())
	}
	d := decode[store.Dataset](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/projects/"+p.ID+"/runs", map[string]any{
		"dataset_id": d.ID,
		"name":       "baseline",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("run status = %d: %s", rec.Code, rec.Body.String())
	}
	run := decode[store.Run](t, rec)

	select {
	case <-eng.WaitRun(run.ID):
	case <-time.After(10 * time.Second):
		t.Fatal("run did not settle")
	}

	rec = doJSON(t, h, http.MethodGet, "/runs/"+run.ID, nil)
	final := decode[store.Run](t, rec)
	if final.Status != store.RunSucceeded {
		t.Fatalf("final status = %q (%s)", final.Status, final.ErrorSummary)
	}
}

func TestPromoteValidationThroughAPI(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPost, "/model-versions/nope/promote", map[string]string{"stage": "staging"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestPromoteDowngradeRejectedThroughAPI(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPost, "/projects", map[string]string{"name": "demo"})
	p := decode[store.Project](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/projects/"+p.ID+"/runs", map[string]any{"name": "train"})
	run := decode[store.Run](t, rec)
	select {
	case <-eng.WaitRun(run.ID):
	case <-time.After(10 * time.Second):
		t.Fatal("run did not settle")
	}

	rec = doJSON(t, h, http.MethodPost, "/projects/"+p.ID+"/models", map[string]string{
		"run_id":     run.ID,
		"model_name": "net",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", rec.Code, rec.Body.String())
	}
	v := decode[store.ModelVersion](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/model-versions/"+v.ID+"/promote", map[string]string{"stage": "production"})
	if rec.Code != http.StatusOK {
		t.Fatalf("promote status = %d: %s", rec.Code, rec.Body.String())
	}

	// Moving backward is a client error, not a server failure.
	rec = doJSON(t, h, http.MethodPost, "/model-versions/"+v.ID+"/promote", map[string]string{"stage": "staging"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("downgrade status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestDoctorEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Routes(), http.MethodPost, "/doctor", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "findings") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestEventsSSEReplay(t *testing.T) {
	t.Parallel()
	s, eng := newTestServer(t)

	// Pre-publish so the replay path serves data immediately.
	eng.Hub().Publish(events.TypeRunLog, "r1", map[string]string{"message": "hello"})
	eng.Hub().Publish(events.TypeRunMetric, "r2", nil)

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?run=r1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent, sawData bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == fmt.Sprintf("event: %s", events.TypeRunLog) {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "hello") {
			sawData = true
			break
		}
		if strings.Contains(line, events.TypeRunMetric) {
			t.Fatal("filtered stream leaked another run's event")
		}
	}
	if !sawEvent || !sawData {
		t.Fatalf("replay incomplete: event=%v data=%v", sawEvent, sawData)
	}
}

func TestParseLastEventID(t *testing.T) {
	t.Parallel()
	for input, want := range map[string]int64{"": 0, "7": 7, "junk": 0, "-3": 0} {
		if got := parseLastEventID(input); got != want {
			t.Errorf("parseLastEventID(%q) = %d, want %d", input, got, want)
		}
	}
}
