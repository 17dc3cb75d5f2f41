package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/config"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/questionspec"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow/generation"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
}

type testServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]http.HandlerFunc
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{handlers: make(map[string]http.HandlerFunc)}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body.Bytes()))

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
		})
		h := ts.handlers[r.Method+" "+r.URL.Path]
		ts.mu.Unlock()

		if h != nil {
			h(w, r)
			return
		}
		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":"not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) handle(route string, h http.HandlerFunc) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handlers[route] = h
}

func (ts *testServer) paths() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]string, len(ts.requests))
	for i, r := range ts.requests {
		out[i] = r.Method + " " + r.Path
	}
	return out
}

func (ts *testServer) request(t *testing.T, route string) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, r := range ts.requests {
		if r.Method+" "+r.Path == route {
			return r
		}
	}
	t.Fatalf("no request %s", route)
	return recordedRequest{}
}

// useTestApp points every command at ts with a fresh data dir and the given
// stdin. It returns the config in use.
func useTestApp(t *testing.T, ts *testServer, stdin string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Backend: config.BackendConfig{
			BaseURL:       ts.server.URL,
			Timeout:       5 * time.Second,
			StreamTimeout: 10 * time.Second,
			OTPPath:       "/forgot/send-otp",
		},
		Poll:    config.PollConfig{AudioInterval: 10 * time.Millisecond, HistoryInterval: 10 * time.Millisecond},
		OTP:     config.OTPConfig{ResendCooldown: time.Minute},
		Storage: config.StorageConfig{DataDir: filepath.Join(dir, "data")},
		Export:  config.ExportConfig{Dir: filepath.Join(dir, "out")},
		Log:     config.LogConfig{Level: "error"},
	}

	old := newApp
	newApp = func() (*app, error) {
		return buildApp(cfg, strings.NewReader(stdin), io.Discard)
	}
	t.Cleanup(func() { newApp = old })
	return cfg
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	return rootCmd.ExecuteContext(context.Background())
}

func openStore(t *testing.T, cfg config.Config) *storage.Store {
	t.Helper()
	s, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const testCatalog = `{
	"Theme": {"Travel": {"Topic": ["Hotel booking", "City tour"]}},
	"Part": {
		"1": {"type": {"Form completion": {"description": "Fill in a form"}}},
		"2": {"type": {"Map labelling": {"description": "Label a map"}}},
		"3": {"type": {"Multiple choice": {"description": "Choose A, B or C"}}},
		"4": {"type": {"Note completion": {"description": "Complete notes"}}}
	}
}`

const testSpecYAML = `theme: Travel
audio: true
parts:
  1: [{type: Form completion, topic: Hotel booking, questions: 10}]
  2: [{type: Map labelling, topic: City tour, questions: 10}]
  3: [{type: Multiple choice, topic: Hotel booking, questions: 4}, {type: Multiple choice, topic: City tour, questions: 6}]
  4: [{type: Note completion, topic: City tour, questions: 10}]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSpecBuild_FromFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /api/config": testCatalog})
	cfg := useTestApp(t, ts, "")

	if err := execute(t, "spec", "build", "--file", writeFile(t, "spec.yaml", testSpecYAML)); err != nil {
		t.Fatalf("spec build: %v", err)
	}

	spec, ok, err := questionspec.Pending(openStore(t, cfg))
	if err != nil || !ok {
		t.Fatalf("Pending = ok %v, err %v", ok, err)
	}
	if spec.Theme() != "Travel" || !spec.GenerateWithAudio {
		t.Errorf("spec = %+v", spec)
	}
	if got := spec.Part(3).Blocks(); len(got) != 2 {
		t.Errorf("part 3 blocks = %d, want 2", len(got))
	}
}

func TestSpecBuild_CatalogRejectsTopic(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /api/config": testCatalog})
	cfg := useTestApp(t, ts, "")

	doc := strings.Replace(testSpecYAML, "topic: Hotel booking, questions: 10", "topic: Beach, questions: 10", 1)
	err := execute(t, "spec", "build", "--file", writeFile(t, "spec.yaml", doc))
	if err == nil || !strings.Contains(err.Error(), `topic "Beach"`) {
		t.Fatalf("err = %v", err)
	}
	if _, ok, _ := questionspec.Pending(openStore(t, cfg)); ok {
		t.Error("rejected spec was saved")
	}
}

func TestSpecBuild_Interactive(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /api/config": testCatalog})
	cfg := useTestApp(t, ts, strings.Join([]string{
		"Beach",                                    // unknown theme, asked again
		"Travel",                                   //
		"Form completion", "Hotel booking", "", "", // part 1, default count 10
		"Map labelling", "City tour", "", "4", // part 2, 4 of 10
		"Map labelling", "City tour", "north side", "", // remaining 6
		"Multiple choice", "Hotel booking", "", "",
		"Note completion", "City tour", "", "",
	}, "\n")+"\n")

	if err := execute(t, "spec", "build"); err != nil {
		t.Fatalf("spec build: %v", err)
	}

	spec, ok, err := questionspec.Pending(openStore(t, cfg))
	if err != nil || !ok {
		t.Fatalf("Pending = ok %v, err %v", ok, err)
	}
	perPart, total := spec.Totals()
	if total != 40 || perPart[1] != 10 {
		t.Errorf("totals = %v %d", perPart, total)
	}
	if blocks := spec.Part(2).Blocks(); len(blocks) != 2 || blocks[1].Specification != "north side" {
		t.Errorf("part 2 = %+v", blocks)
	}
}

func TestSpecBuild_InteractiveEOF(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /api/config": testCatalog})
	useTestApp(t, ts, "Travel\n")

	if err := execute(t, "spec", "build"); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func generationServer(t *testing.T) *testServer {
	ts := newTestServer(t, map[string]string{
		"POST /api/save-to-firebase": `{"success":true}`,
		"POST /api/regenerate-part":  `{"success":true}`,
	})
	ts.handle("POST /api/generate-questions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"progress\":40,\"status\":\"Generating\",\"task\":\"Part 1\"}\n\n")
		io.WriteString(w, "data: {\"progress\":100,\"status\":\"Done\",\"success\":true}\n\n")
	})
	ts.handle("POST /api/download-files", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="set_9.zip"`)
		w.Write([]byte("PK\x03\x04zip"))
	})
	return ts
}

func savePendingSpec(t *testing.T, cfg config.Config) {
	t.Helper()
	savePendingSpecYAML(t, cfg, testSpecYAML)
}

func savePendingSpecYAML(t *testing.T, cfg config.Config, yaml string) {
	t.Helper()
	spec, err := questionspec.LoadYAML(strings.NewReader(yaml))
	if err != nil {
		t.Fatal(err)
	}
	store := openStore(t, cfg)
	if err := questionspec.Save(store, spec); err != nil {
		t.Fatal(err)
	}
	store.Close()
}

func TestGenerate_ExportWithoutEdits(t *testing.T) {
	ts := generationServer(t)
	cfg := useTestApp(t, ts, "")
	savePendingSpec(t, cfg)

	if err := execute(t, "generate", "--files", "questions.pdf,answers.pdf"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	want := []string{"POST /api/generate-questions", "POST /api/save-to-firebase", "POST /api/download-files"}
	if got := ts.paths(); strings.Join(got, ";") != strings.Join(want, ";") {
		t.Errorf("requests = %v, want %v", got, want)
	}
	if body := ts.request(t, "POST /api/save-to-firebase").Body; !strings.Contains(body, `"questions.pdf","answers.pdf"`) {
		t.Errorf("save body = %s", body)
	}
	if body := ts.request(t, "POST /api/generate-questions").Body; !strings.Contains(body, `"generateWithAudio":true`) {
		t.Errorf("generate body = %s", body)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Export.Dir, "set_9.zip"))
	if err != nil || !bytes.HasPrefix(data, []byte("PK")) {
		t.Errorf("bundle = %q, %v", data, err)
	}

	store := openStore(t, cfg)
	if _, err := store.GetValue(storage.KeyQuestionData); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("question data not consumed: %v", err)
	}
}

func TestGenerate_EditsSkipSave(t *testing.T) {
	ts := generationServer(t)
	cfg := useTestApp(t, ts, "")
	savePendingSpec(t, cfg)

	err := execute(t, "generate", "--files", "questions.pdf",
		"--edit", "3=harder distractors", "--edit", "1=")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	want := []string{
		"POST /api/generate-questions",
		"POST /api/regenerate-part",
		"POST /api/regenerate-part",
		"POST /api/download-files",
	}
	if got := ts.paths(); strings.Join(got, ";") != strings.Join(want, ";") {
		t.Errorf("requests = %v, want %v", got, want)
	}
}

func TestGenerate_NoPendingSpec(t *testing.T) {
	ts := generationServer(t)
	useTestApp(t, ts, "")

	err := execute(t, "generate", "--files", "questions.pdf")
	if err == nil || err.Error() != generation.MsgNoQuestionData {
		t.Fatalf("err = %v", err)
	}
	if len(ts.paths()) != 0 {
		t.Errorf("requests = %v, want none", ts.paths())
	}
}

func TestGenerate_InteractiveRetryAfterStreamFailure(t *testing.T) {
	ts := generationServer(t)
	var calls atomic.Int32
	ts.handle("POST /api/generate-questions", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
			return
		}
		io.WriteString(w, "data: {\"progress\":100,\"status\":\"Done\"}\n\n")
	})
	cfg := useTestApp(t, ts, "y\nquestions.pdf\n\n")
	savePendingSpec(t, cfg)

	if err := execute(t, "generate"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("generate calls = %d, want 2", n)
	}
}

func TestGenerate_WaitsForSlowBackgroundAudioStart(t *testing.T) {
	ts := generationServer(t)
	ts.handle("POST /api/generate-audio-background", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		io.WriteString(w, `{"task_id":"a-7"}`)
	})
	ts.handle("GET /api/check-audio-status/a-7", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"completed"}`)
	})
	cfg := useTestApp(t, ts, "")
	savePendingSpecYAML(t, cfg, strings.Replace(testSpecYAML, "audio: true", "audio: false", 1))

	if err := execute(t, "generate", "--files", "questions.pdf", "--wait-audio"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	jobs, err := openStore(t, cfg).ListPollJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].TaskID != "a-7" || jobs[0].Kind != "generation_audio" {
		t.Fatalf("jobs = %+v, want one generation_audio job for a-7", jobs)
	}
	if jobs[0].Status != storage.JobCompleted {
		t.Errorf("job status = %s, want %s", jobs[0].Status, storage.JobCompleted)
	}
}

func TestExportCommand(t *testing.T) {
	ts := generationServer(t)
	cfg := useTestApp(t, ts, "")

	if err := execute(t, "export", "--skip-save", "answers.pdf"); err != nil {
		t.Fatalf("export: %v", err)
	}
	if got := ts.paths(); len(got) != 1 || got[0] != "POST /api/download-files" {
		t.Errorf("requests = %v", got)
	}
	if _, err := os.Stat(filepath.Join(cfg.Export.Dir, "set_9.zip")); err != nil {
		t.Errorf("bundle missing: %v", err)
	}
}

func TestExportCommand_SaveFailure(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/save-to-firebase": `{"success":false,"error":"Storage quota exceeded"}`,
	})
	useTestApp(t, ts, "")

	err := execute(t, "export", "answers.pdf")
	if err == nil || workflow.Describe(err) != "Storage quota exceeded" {
		t.Fatalf("err = %v", err)
	}
}

func TestHistoryDownload(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.handle("GET /api/get-history", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"history":[{"folder_name":"set_2","timestamp":"2025-03-01 09:30:00",
			"files":{"answer_key_pdf":"`+ts.server.URL+`/files/a.pdf","questions_pdf":"`+ts.server.URL+`/files/q.pdf"}}]}`)
	})
	ts.handle("GET /files/a.pdf", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "answers") })
	ts.handle("GET /files/q.pdf", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "questions") })
	cfg := useTestApp(t, ts, "")

	if err := execute(t, "history", "download", "SET_2", "answer_key.pdf"); err != nil {
		t.Fatalf("history download: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Export.Dir, "set_2", "answer_key.pdf"))
	if err != nil || string(data) != "answers" {
		t.Errorf("file = %q, %v", data, err)
	}
	for _, p := range ts.paths() {
		if p == "GET /files/q.pdf" {
			t.Error("unselected file was downloaded")
		}
	}

	err = execute(t, "history", "download", "set_404")
	if err == nil || !strings.Contains(err.Error(), `No saved set named "set_404"`) {
		t.Errorf("err = %v", err)
	}
}

func TestHistoryAudio_DetachQueuesJob(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/check-or-generate-audio/set_2": `{"status":"processing","task_id":"t-42"}`,
	})
	cfg := useTestApp(t, ts, "")

	if err := execute(t, "history", "audio", "--detach", "set_2"); err != nil {
		t.Fatalf("history audio: %v", err)
	}
	jobs, err := openStore(t, cfg).ListPollJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].TaskID != "t-42" || jobs[0].Kind != "history_audio" || jobs[0].Label != "set_2" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestAudioResume_DrainsQueue(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /api/check-or-generate-audio/set_2": `{"status":"processing","task_id":"t-42"}`,
		"GET /api/audio-task-status/t-42":        `{"status":"completed"}`,
	})
	cfg := useTestApp(t, ts, "")

	if err := execute(t, "history", "audio", "--detach", "set_2"); err != nil {
		t.Fatalf("history audio: %v", err)
	}
	if err := execute(t, "audio", "resume"); err != nil {
		t.Fatalf("audio resume: %v", err)
	}
	jobs, err := openStore(t, cfg).ListPollJobs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != storage.JobCompleted {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestResetPassword_Interactive(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /forgot/send-otp":       `{"success":true}`,
		"POST /forgot/reset-password": `{"success":true}`,
	})
	var verifies atomic.Int32
	ts.handle("POST /forgot/verify-otp", func(w http.ResponseWriter, r *http.Request) {
		if verifies.Add(1) == 1 {
			io.WriteString(w, `{"success":false,"error":"Invalid OTP"}`)
			return
		}
		io.WriteString(w, `{"success":true}`)
	})
	useTestApp(t, ts, strings.Join([]string{
		"",                   // empty email, asked again
		"user@example.com",   //
		"12ab",               // wrong shape, never sent
		"111111",             // rejected by the server
		"resend",             // still cooling down
		"222222",             //
		"secret1", "secret2", // mismatch
		"abc", "abc", // too short
		"secret1", "secret1",
	}, "\n")+"\n")

	if err := execute(t, "reset-password"); err != nil {
		t.Fatalf("reset-password: %v", err)
	}

	want := []string{
		"POST /forgot/send-otp",
		"POST /forgot/verify-otp",
		"POST /forgot/verify-otp",
		"POST /forgot/reset-password",
	}
	if got := ts.paths(); strings.Join(got, ";") != strings.Join(want, ";") {
		t.Errorf("requests = %v, want %v", got, want)
	}
	body := ts.request(t, "POST /forgot/reset-password").Body
	for _, s := range []string{`"email":"user@example.com"`, `"otp":"222222"`, `"secret1"`} {
		if !strings.Contains(body, s) {
			t.Errorf("reset body %s missing %s", body, s)
		}
	}
}

func TestWhoami_NotSignedIn(t *testing.T) {
	ts := newTestServer(t, nil)
	useTestApp(t, ts, "")

	if err := execute(t, "whoami"); err != nil {
		t.Fatalf("whoami: %v", err)
	}
}

func TestLogin_RequiresAPIKey(t *testing.T) {
	ts := newTestServer(t, nil)
	useTestApp(t, ts, "")

	err := execute(t, "login", "--email", "user@example.com")
	if err == nil || !strings.Contains(err.Error(), "identity API key") {
		t.Fatalf("err = %v", err)
	}
}

func TestReviewFromFlags(t *testing.T) {
	in, err := reviewFromFlags("a.pdf,b.pdf", []string{"3=harder", " 1 = shorter "})
	if err != nil {
		t.Fatal(err)
	}
	if in[generation.KeyEdit] != "3,1" {
		t.Errorf("edit = %q", in[generation.KeyEdit])
	}
	if in[generation.KeySpecPrefix+"1"] != "shorter" || in[generation.KeySpecPrefix+"3"] != "harder" {
		t.Errorf("input = %v", in)
	}

	in, _ = reviewFromFlags("a.pdf", nil)
	if _, ok := in[generation.KeyEdit]; ok {
		t.Error("edit key set without edits")
	}
}

func TestPrompter(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("  hello \n\nyes\nlast"), &out)

	if v, _ := p.Line("Name", ""); v != "hello" {
		t.Errorf("Line = %q", v)
	}
	if v, _ := p.Line("Count", "10"); v != "10" {
		t.Errorf("default = %q", v)
	}
	if ok, _ := p.Confirm("Sure?"); !ok {
		t.Error("Confirm(yes) = false")
	}
	if v, err := p.Password("Secret"); err != nil || v != "last" {
		t.Errorf("Password = %q, %v", v, err)
	}
	if _, err := p.Line("More", ""); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want EOF", err)
	}
	if !strings.Contains(out.String(), "Count [10]: ") {
		t.Errorf("prompt output = %q", out.String())
	}
}

func TestRecoverable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{workflow.Invalid("f", "bad"), true},
		{workflow.Rejected("k", "no"), true},
		{&workflow.TransportError{Err: errors.New("down")}, true},
		{io.EOF, false},
		{workflow.ErrBusy, false},
	}
	for _, c := range cases {
		if got := recoverable(c.err); got != c.want {
			t.Errorf("recoverable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestColorize(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	initStyles(false)
	if result := colorize(styleError, "error"); result != "error" {
		t.Errorf("colorize with noColor=true should return plain text, got %q", result)
	}
}

func TestAudioPart(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.handle("GET /get_audio/2", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "RIFFwav") })
	cfg := useTestApp(t, ts, "")

	if err := execute(t, "audio", "part", "2"); err != nil {
		t.Fatalf("audio part: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Export.Dir, "part_2_audio.wav"))
	if err != nil || string(data) != "RIFFwav" {
		t.Errorf("audio = %q, %v", data, err)
	}

	err = execute(t, "audio", "part", "5")
	if err == nil || err.Error() != generation.MsgBadPart {
		t.Errorf("err = %v", err)
	}
}
