package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pguan/chatlab/internal/chat"
	"github.com/pguan/chatlab/internal/config"
	"github.com/pguan/chatlab/internal/experiment"
	"github.com/pguan/chatlab/internal/i18n"
	"github.com/pguan/chatlab/internal/session"
	"github.com/pguan/chatlab/internal/status"
	"github.com/pguan/chatlab/internal/turnlog"
)

// fakeGenerator returns one canned reply per Stream call.
type fakeGenerator struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (g *fakeGenerator) Stream(_ context.Context, _ string) iter.Seq2[string, error] {
	g.mu.Lock()
	reply := "canned reply"
	if g.calls < len(g.replies) {
		reply = g.replies[g.calls]
	}
	g.calls++
	g.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, part := range strings.SplitAfter(reply, " ") {
			if !yield(part, nil) {
				return
			}
		}
	}
}

func (g *fakeGenerator) Generate(context.Context, string) (string, error) {
	return "a rolling summary", nil
}

type fakeContacts struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (c *fakeContacts) Save(_ context.Context, pid, email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.saved = append(c.saved, pid+":"+email)
	return nil
}

type fixture struct {
	srv      *httptest.Server
	client   *http.Client
	statuses *status.Store
	sessions *session.Manager
	contacts *fakeContacts
	dataDir  string
}

func newFixture(t *testing.T, washout time.Duration) *fixture {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &config.Config{
		Port:            "0",
		DataDir:         dataDir,
		ContactsDBPath:  dataDir + "/contacts.db",
		OperatorKey:     "let-me-in",
		OllamaURL:       "http://unused",
		Model:           "test",
		SummaryInterval: 100,
		WashoutDuration: washout,
	}

	statuses, err := status.NewStore(dataDir)
	if err != nil {
		t.Fatalf("status.NewStore: %v", err)
	}
	turns, err := turnlog.NewLogger(dataDir)
	if err != nil {
		t.Fatalf("turnlog.NewLogger: %v", err)
	}
	i18nTable, err := i18n.Load()
	if err != nil {
		t.Fatalf("i18n.Load: %v", err)
	}

	sessions := session.NewManager(session.DefaultPreamble)
	proxy := chat.NewProxy(sessions, &fakeGenerator{}, turns, cfg.SummaryInterval, nil)

	pages := fstest.MapFS{}
	for _, name := range []string{
		"index.html", "setup.html", "demographics.html", "baseline_mood.html",
		"instructions_xai.html", "instructions_non_xai.html",
		"xai_version.html", "non_xai_version.html",
		"post_questionnaire.html", "washout.html", "open_ended_qs.html", "debrief.html",
	} {
		pages[name] = &fstest.MapFile{Data: []byte("<html>" + name + "</html>")}
	}

	contactsSaver := &fakeContacts{}
	h := NewHandler(cfg, statuses, sessions, proxy, turns, contactsSaver, i18nTable, pages)

	r := chi.NewRouter()
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &fixture{
		srv:      srv,
		client:   client,
		statuses: statuses,
		sessions: sessions,
		contacts: contactsSaver,
		dataDir:  dataDir,
	}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := f.client.Post(f.srv.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	_ = resp.Body.Close()
	return resp
}

func (f *fixture) start(t *testing.T, pid, order string) map[string]any {
	t.Helper()
	resp, body := f.postJSON(t, "/start_experiment", map[string]any{
		"participant_id":  pid,
		"condition_order": order,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start_experiment returned %d: %v", resp.StatusCode, body)
	}
	return body
}

func (f *fixture) save(t *testing.T, pid, stepName string, index int) (*http.Response, map[string]any) {
	t.Helper()
	return f.postJSON(t, "/save_data", map[string]any{
		"participant_id":     pid,
		"step_name":          stepName,
		"data":               map[string]any{"filled": true},
		"current_step_index": index,
	})
}

func TestStartExperimentValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)

	resp, _ := f.postJSON(t, "/start_experiment", map[string]any{"participant_id": "P1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing order: status = %d, want 400", resp.StatusCode)
	}

	resp, _ = f.postJSON(t, "/start_experiment", map[string]any{
		"participant_id": "P1", "condition_order": "CD",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid order: status = %d, want 400", resp.StatusCode)
	}
}

func TestStartExperimentInitializesStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)

	body := f.start(t, "P1", "AB")
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	if next := body["next_url"]; next != "/page/index.html?pid=P1" {
		t.Errorf("next_url = %v", next)
	}

	st, err := f.statuses.Read("P1")
	if err != nil {
		t.Fatalf("Read status: %v", err)
	}
	if st.Condition != experiment.ConditionXAI {
		t.Errorf("Condition = %q, want XAI for AB", st.Condition)
	}
	if st.CurrentStepIndex != experiment.PreStartIndex {
		t.Errorf("CurrentStepIndex = %d, want %d", st.CurrentStepIndex, experiment.PreStartIndex)
	}
	if st.Language != "en" {
		t.Errorf("Language = %q, want default en", st.Language)
	}
}

func TestPageGating(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.start(t, "P1", "AB")

	// Missing pid goes to the operator setup page.
	resp := f.get(t, "/page/demographics.html")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("missing pid: status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/page/setup.html" {
		t.Errorf("Location = %q", loc)
	}

	// Pre-start participants only see the consent page.
	resp = f.get(t, "/page/demographics.html?pid=P1")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("out-of-order page: status = %d, want 302", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/page/index.html?pid=P1" {
		t.Errorf("Location = %q", loc)
	}

	resp = f.get(t, "/page/index.html?pid=P1")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected page: status = %d, want 200", resp.StatusCode)
	}

	// Unknown participants are a hard failure, not a silent restart.
	resp = f.get(t, "/page/index.html?pid=nobody")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("missing status: status = %d, want 500", resp.StatusCode)
	}
}

func TestOperatorPageRequiresKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)

	resp := f.get(t, "/page/setup.html")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("no key: status = %d, want 403", resp.StatusCode)
	}
	resp = f.get(t, "/page/setup.html?key=let-me-in")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", resp.StatusCode)
	}
}

func TestSaveDataAdvancesMonotonically(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.start(t, "P1", "AB")

	steps := []struct {
		name  string
		index int
		want  string
	}{
		{"CONSENT", -1, "/page/demographics.html?pid=P1"},
		{"DEMOGRAPHICS", 0, "/page/baseline_mood.html?pid=P1"},
		{"BASELINE_MOOD", 1, "/page/instructions_xai.html?pid=P1"},
		{"INSTRUCTIONS", 2, "/page/xai_version.html?pid=P1"},
	}
	for k, s := range steps {
		resp, body := f.save(t, "P1", s.name, s.index)
		if resp.StatusCode != http.StatusOK || body["success"] != true {
			t.Fatalf("save %s: status=%d body=%v", s.name, resp.StatusCode, body)
		}
		if body["next_url"] != s.want {
			t.Errorf("save %s: next_url = %v, want %s", s.name, body["next_url"], s.want)
		}
		if got := int(body["next_step_index"].(float64)); got != k {
			t.Errorf("after %d submissions index = %d, want %d", k+1, got, k)
		}
	}
}

func TestSaveDataValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.start(t, "P1", "AB")

	resp, _ := f.postJSON(t, "/save_data", map[string]any{
		"participant_id": "P1",
		"step_name":      "CONSENT",
		"data":           map[string]any{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing index: status = %d, want 400", resp.StatusCode)
	}
}

// A replayed submission (double-click) does not advance the cursor twice;
// the client is steered back to the page the participant should be on.
func TestSaveDataStaleIndexRedirects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.start(t, "P1", "AB")

	if resp, _ := f.save(t, "P1", "CONSENT", -1); resp.StatusCode != http.StatusOK {
		t.Fatalf("first save failed: %d", resp.StatusCode)
	}
	resp, body := f.save(t, "P1", "CONSENT", -1)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replayed save: status = %d", resp.StatusCode)
	}
	if body["success"] != false {
		t.Errorf("replayed save reported success: %v", body)
	}
	if body["next_url"] != "/page/demographics.html?pid=P1" {
		t.Errorf("next_url = %v, want the expected page", body["next_url"])
	}

	st, err := f.statuses.Read("P1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if st.CurrentStepIndex != 0 {
		t.Errorf("index advanced twice: %d", st.CurrentStepIndex)
	}

	// The log is an audit trail: both submissions were appended (INIT plus
	// two CONSENT records), only the cursor is deduplicated.
	raw, err := os.ReadFile(filepath.Join(f.dataDir, "P_P1.jsonl"))
	if err != nil {
		t.Fatalf("read participant log: %v", err)
	}
	if lines := strings.Count(string(raw), "\n"); lines != 3 {
		t.Errorf("log has %d records, want 3", lines)
	}
}

func TestEndDialogueOutsideDialogueStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.start(t, "P1", "AB")

	resp, _ := f.postJSON(t, "/end_dialogue", map[string]any{"participant_id": "P1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("end_dialogue at pre-start: status = %d, want 400", resp.StatusCode)
	}
}

func TestChatValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.start(t, "P1", "AB")

	resp, _ := f.postJSON(t, "/chat", map[string]any{"participant_id": "P1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing message: status = %d, want 400", resp.StatusCode)
	}
	resp, _ = f.postJSON(t, "/chat", map[string]any{"message": "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing pid: status = %d, want 400", resp.StatusCode)
	}
	resp, _ = f.postJSON(t, "/chat", map[string]any{"participant_id": "stranger", "message": "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown participant: status = %d, want 400", resp.StatusCode)
	}
}

func TestChatStreamsPlainText(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)
	f.start(t, "P1", "AB")

	payload, _ := json.Marshal(map[string]any{
		"participant_id":    "P1",
		"message":           "hello world",
		"explanation_shown": true,
	})
	resp, err := f.client.Post(f.srv.URL+"/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if string(raw) != "canned reply" {
		t.Errorf("streamed body = %q", raw)
	}

	if count := f.sessions.Get("P1").TurnCount(); count != 1 {
		t.Errorf("TurnCount = %d, want 1", count)
	}
}

func TestSaveContact(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)

	resp, _ := f.postJSON(t, "/save_contact", map[string]any{"participant_id": "P1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing email: status = %d, want 400", resp.StatusCode)
	}

	resp, body := f.postJSON(t, "/save_contact", map[string]any{
		"participant_id": "P1", "email": "p1@example.com",
	})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("save_contact: status=%d body=%v", resp.StatusCode, body)
	}
	if len(f.contacts.saved) != 1 || f.contacts.saved[0] != "P1:p1@example.com" {
		t.Errorf("saved = %v", f.contacts.saved)
	}
}

func TestStringsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Hour)

	resp, err := f.client.Get(f.srv.URL + "/i18n/washout")
	if err != nil {
		t.Fatalf("GET /i18n/washout: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var table map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if table["title"] == "" {
		t.Error("missing title string")
	}

	if resp := f.get(t, "/i18n/no_such_page"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown module: status = %d, want 404", resp.StatusCode)
	}
}

// Full counterbalanced walk for order AB: washout rejects early attempts
// with the remaining seconds, then flips the condition exactly once and the
// second dialogue session starts with empty context.
func TestFullFlowThroughWashout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 500*time.Millisecond)
	f.start(t, "P1", "AB")

	advance := func(step string, index int) map[string]any {
		t.Helper()
		resp, body := f.save(t, "P1", step, index)
		if resp.StatusCode != http.StatusOK || body["success"] != true {
			t.Fatalf("save %s (index %d): status=%d body=%v", step, index, resp.StatusCode, body)
		}
		return body
	}

	advance("CONSENT", -1)
	advance("DEMOGRAPHICS", 0)
	advance("BASELINE_MOOD", 1)
	advance("INSTRUCTIONS", 2)

	// First dialogue session under XAI.
	payload, _ := json.Marshal(map[string]any{"participant_id": "P1", "message": "hello there agent"})
	chatResp, err := f.client.Post(f.srv.URL+"/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	_, _ = io.ReadAll(chatResp.Body)
	_ = chatResp.Body.Close()
	if count := f.sessions.Get("P1").TurnCount(); count != 1 {
		t.Fatalf("TurnCount = %d before washout, want 1", count)
	}

	resp, body := f.postJSON(t, "/end_dialogue", map[string]any{"participant_id": "P1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end_dialogue: status=%d body=%v", resp.StatusCode, body)
	}
	if got := int(body["next_step_index"].(float64)); got != 4 {
		t.Fatalf("index after end_dialogue = %d, want 4", got)
	}

	advance("POST_QUESTIONNAIRE", 4)

	// The washout clock started when the washout step was entered; an
	// immediate completion attempt is rejected with the remaining time and
	// must not mutate anything.
	resp, body = f.save(t, "P1", "WASHOUT", 5)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("early washout: status = %d, want 400 (body=%v)", resp.StatusCode, body)
	}
	if _, ok := body["seconds_remaining"]; !ok {
		t.Fatalf("early washout response missing seconds_remaining: %v", body)
	}
	st, err := f.statuses.Read("P1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if st.Condition != experiment.ConditionXAI || st.WashoutCompleted || st.CurrentStepIndex != 5 {
		t.Fatalf("early rejection mutated status: %+v", st)
	}

	time.Sleep(600 * time.Millisecond)

	body = advance("WASHOUT", 5)
	if body["next_url"] != "/page/instructions_non_xai.html?pid=P1" {
		t.Errorf("post-washout next_url = %v, want NON_XAI instructions", body["next_url"])
	}

	st, err = f.statuses.Read("P1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if st.Condition != experiment.ConditionNonXAI {
		t.Errorf("Condition = %q after washout, want NON_XAI", st.Condition)
	}
	if !st.WashoutCompleted {
		t.Error("WashoutCompleted not set")
	}
	if st.SessionPart() != 2 {
		t.Errorf("SessionPart = %d, want 2", st.SessionPart())
	}

	// The second session must not share dialogue context with the first.
	fresh := f.sessions.Get("P1")
	if fresh.TurnCount() != 0 || len(fresh.History()) != 0 {
		t.Error("session context survived the washout")
	}

	// A second completion attempt cannot flip the condition back.
	resp, body = f.save(t, "P1", "WASHOUT", 5)
	if body["success"] != false {
		t.Errorf("replayed washout submission advanced: %v (status %d)", body, resp.StatusCode)
	}
	st, _ = f.statuses.Read("P1")
	if st.Condition != experiment.ConditionNonXAI {
		t.Errorf("condition flipped twice: %q", st.Condition)
	}

	advance("INSTRUCTIONS", 6)

	resp, body = f.postJSON(t, "/end_dialogue", map[string]any{"participant_id": "P1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second end_dialogue: status=%d body=%v", resp.StatusCode, body)
	}
	advance("POST_QUESTIONNAIRE", 8)
	body = advance("OPEN_ENDED_QS", 9)
	if body["next_url"] != "/page/debrief.html?pid=P1" {
		t.Errorf("final next_url = %v, want debrief", body["next_url"])
	}
}
