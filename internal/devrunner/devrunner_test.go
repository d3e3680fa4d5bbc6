package devrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-genclient/internal/workflow"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if opts.StepDelay == 0 {
		opts.StepDelay = 5 * time.Millisecond
	}
	s := New(opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return srv
}

func triggerRun(t *testing.T, srv *httptest.Server, body string) string {
	t.Helper()
	resp, err := http.Post(srv.URL+TriggerPath, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger status=%d", resp.StatusCode)
	}
	var out struct {
		RunID string `json:"runId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.RunID == "" {
		t.Fatalf("trigger body: %+v err=%v", out, err)
	}
	return out.RunID
}

func readStream(t *testing.T, url string) ([]workflow.Message, int) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status=%d", resp.StatusCode)
	}
	var msgs []workflow.Message
	padding := 0
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, ": ping") {
			padding++
			continue
		}
		var m workflow.Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad line %q: %v", line, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, padding
}

func TestStreamReplaysFromStartIndex(t *testing.T) {
	srv := newTestServer(t, Options{})
	runID := triggerRun(t, srv, `{"steps":["a","b"]}`)

	all, _ := readStream(t, srv.URL+StreamPath+"?runId="+runID)
	want := []workflow.Message{
		{Step: "a", Status: workflow.MessageStarted},
		{Step: "a", Status: workflow.MessageCompleted},
		{Step: "b", Status: workflow.MessageStarted},
		{Step: "b", Status: workflow.MessageCompleted},
	}
	if !reflect.DeepEqual(all, want) {
		t.Fatalf("got=%+v", all)
	}

	tail, _ := readStream(t, srv.URL+StreamPath+"?runId="+runID+"&startIndex=3")
	if !reflect.DeepEqual(tail, want[3:]) {
		t.Fatalf("tail=%+v", tail)
	}
}

func TestStreamSendsHeartbeatPadding(t *testing.T) {
	srv := newTestServer(t, Options{StepDelay: 60 * time.Millisecond, Heartbeat: 10 * time.Millisecond})
	runID := triggerRun(t, srv, `{"steps":["slow"]}`)

	msgs, padding := readStream(t, srv.URL+StreamPath+"?runId="+runID)
	if len(msgs) != 2 {
		t.Fatalf("msgs=%+v", msgs)
	}
	if padding == 0 {
		t.Fatalf("expected heartbeat padding lines")
	}
}

func TestStatusReportsFailure(t *testing.T) {
	srv := newTestServer(t, Options{})
	runID := triggerRun(t, srv, `{"steps":["a","b","c"],"failAt":"b"}`)

	msgs, _ := readStream(t, srv.URL+StreamPath+"?runId="+runID)
	last := msgs[len(msgs)-1]
	if last.Step != "b" || last.Status != workflow.MessageError {
		t.Fatalf("last=%+v", last)
	}

	resp, err := http.Get(srv.URL + StatusPath + "?runId=" + runID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var rep workflow.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != workflow.RunFailed || !strings.Contains(rep.Error, "b") {
		t.Fatalf("report=%+v", rep)
	}
}

func TestErrorsUseEnvelope(t *testing.T) {
	srv := newTestServer(t, Options{})
	cases := []struct {
		url  string
		code int
		want string
	}{
		{srv.URL + StatusPath, http.StatusBadRequest, "missing_run_id"},
		{srv.URL + StatusPath + "?runId=nope", http.StatusNotFound, "run_not_found"},
		{srv.URL + StreamPath + "?runId=nope", http.StatusNotFound, "run_not_found"},
	}
	for _, tc := range cases {
		resp, err := http.Get(tc.url)
		if err != nil {
			t.Fatalf("get %s: %v", tc.url, err)
		}
		var env ErrorEnvelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		resp.Body.Close()
		if resp.StatusCode != tc.code || env.Error.Code != tc.want {
			t.Fatalf("%s: status=%d env=%+v", tc.url, resp.StatusCode, env)
		}
	}

	runID := triggerRun(t, srv, `{}`)
	resp, err := http.Get(srv.URL + StreamPath + "?runId=" + runID + "&startIndex=-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative startIndex status=%d", resp.StatusCode)
	}
}

func TestCORSAllowsLocalDevOrigins(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)
	s := New(Options{})
	t.Cleanup(s.Close)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, TriggerPath, nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("unexpected allow-origin header: got=%q", got)
	}
}

func TestJWTRequiredWhenConfigured(t *testing.T) {
	srv := newTestServer(t, Options{JWTSecret: "dev-secret"})

	resp, err := http.Post(srv.URL+TriggerPath, "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token=%d", resp.StatusCode)
	}

	bad, _ := IssueToken("other-secret", "dev", time.Minute)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+TriggerPath, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+bad)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with foreign token=%d", resp.StatusCode)
	}

	good, err := IssueToken("dev-secret", "dev", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req, _ = http.NewRequest(http.MethodPost, srv.URL+TriggerPath, strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+good)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token=%d", resp.StatusCode)
	}
}

func startGeneration(t *testing.T, srv *httptest.Server, body any, token string) *workflow.Generation {
	t.Helper()
	cfg := workflow.Config{
		TriggerURL:      srv.URL + TriggerPath,
		TriggerBody:     body,
		StatusURL:       srv.URL + StreamPath,
		PollingURL:      srv.URL + StatusPath,
		PollingInterval: 50 * time.Millisecond,
	}
	runner, err := workflow.NewHTTPRunnerFromConfig(cfg, workflow.HTTPRunnerOptions{BearerToken: token})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	g, err := workflow.Start(context.Background(), cfg, workflow.WithRunner(runner))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

func waitTerminal(t *testing.T, g *workflow.Generation) workflow.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := g.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v (state=%+v)", err, g.State())
	}
	return st
}

func TestGenerationAgainstDevRunnerCompletes(t *testing.T) {
	srv := newTestServer(t, Options{})
	g := startGeneration(t, srv, TriggerRequest{Steps: []string{"outline", "content", "quiz"}}, "")

	st := waitTerminal(t, g)
	if st.Status != workflow.StatusCompleted {
		t.Fatalf("state=%+v", st)
	}
	if !reflect.DeepEqual(st.CompletedSteps, []string{"outline", "content", "quiz"}) {
		t.Fatalf("completed steps=%v", st.CompletedSteps)
	}
	if st.RunID == "" || st.CurrentStep != "" {
		t.Fatalf("state=%+v", st)
	}
}

func TestGenerationAgainstDevRunnerFails(t *testing.T) {
	srv := newTestServer(t, Options{})
	g := startGeneration(t, srv, TriggerRequest{Steps: []string{"outline", "content"}, FailAt: "content"}, "")

	st := waitTerminal(t, g)
	if st.Status != workflow.StatusError {
		t.Fatalf("state=%+v", st)
	}
	if !strings.Contains(st.Error, "simulated failure in content") {
		t.Fatalf("error=%q", st.Error)
	}
	if !reflect.DeepEqual(st.CompletedSteps, []string{"outline"}) {
		t.Fatalf("completed steps=%v", st.CompletedSteps)
	}
}

func TestGenerationAgainstDevRunnerWithAuth(t *testing.T) {
	srv := newTestServer(t, Options{JWTSecret: "dev-secret"})
	token, err := IssueToken("dev-secret", "genwatch", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	g := startGeneration(t, srv, nil, token)
	if st := waitTerminal(t, g); st.Status != workflow.StatusCompleted || len(st.CompletedSteps) != len(defaultSteps) {
		t.Fatalf("state=%+v", st)
	}
}

func TestResponsesCarryRequestID(t *testing.T) {
	srv := newTestServer(t, Options{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthcheck", nil)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("X-Request-Id=%q", got)
	}

	resp, err = http.Get(srv.URL + "/healthcheck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}
}
