package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/lumohq/lumo/core/dispatch"
	"github.com/lumohq/lumo/core/infra/bus"
	"github.com/lumohq/lumo/core/infra/redisutil"
	"github.com/lumohq/lumo/core/store"
)

type stubProvider struct {
	resp  string
	err   error
	calls atomic.Int64
}

func (s *stubProvider) Generate(context.Context, string) (string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.resp, nil
}

type stubBus struct {
	subjects []string
	queues   []string
}

func (s *stubBus) Subscribe(subject, queue string, _ func(*bus.Event) error) error {
	s.subjects = append(s.subjects, subject)
	s.queues = append(s.queues, queue)
	return nil
}

type runnerFixture struct {
	runner   *Runner
	msgs     *store.MessageStore
	provider *stubProvider
	mr       *miniredis.Miniredis
	files    *atomic.Int64
	creates  *atomic.Int64
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()

	msgs, err := store.NewMessageStore(url)
	if err != nil {
		t.Fatalf("message store: %v", err)
	}
	t.Cleanup(func() { _ = msgs.Close() })

	rc, err := redisutil.NewClient(url)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	var creates, files atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/sandboxes":
			creates.Add(1)
			_ = json.NewEncoder(w).Encode(Sandbox{ID: "sb-1", Host: "sb-1.preview.test"})
		default:
			files.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)

	provider := &stubProvider{resp: `{"title":"Todo app","summary":"done","files":{"app/page.tsx":"x"}}`}
	runner, err := NewRunner(RunnerOptions{
		Bus:        &stubBus{},
		Messages:   msgs,
		Provider:   provider,
		Sandboxes:  NewSandboxManager(NewSandboxClient(srv.URL, "lumo-nextjs"), rc),
		Redis:      rc,
		RunTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	return &runnerFixture{runner: runner, msgs: msgs, provider: provider, mr: mr, files: &files, creates: &creates}
}

func runEvent(t *testing.T, name string, payload any) *bus.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &bus.Event{ID: "evt-" + name + "-1", Name: name, Payload: raw, CreatedAt: time.Now()}
}

func TestHandleRunWritesFragment(t *testing.T) {
	f := newRunnerFixture(t)
	evt := runEvent(t, dispatch.EventCodeAgentRun, dispatch.RunPayload{Value: "build a todo app", ProjectID: "p1"})

	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("handle: %v", err)
	}

	msgs, err := f.msgs.ListByProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one terminal message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Role != store.RoleAssistant || msg.Type != store.TypeResult {
		t.Fatalf("unexpected role/type: %s/%s", msg.Role, msg.Type)
	}
	if msg.Fragment == nil || msg.Fragment.SandboxURL != "https://sb-1.preview.test" {
		t.Fatalf("unexpected fragment: %+v", msg.Fragment)
	}
	if msg.Fragment.Files["app/page.tsx"] != "x" {
		t.Fatalf("fragment files missing")
	}
	if f.files.Load() != 1 {
		t.Fatalf("expected one file push, got %d", f.files.Load())
	}
}

func TestHandleRunDuplicateSkipped(t *testing.T) {
	f := newRunnerFixture(t)
	evt := runEvent(t, dispatch.EventCodeAgentRun, dispatch.RunPayload{Value: "build it", ProjectID: "p1"})

	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("second handle: %v", err)
	}

	msgs, err := f.msgs.ListByProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("duplicate delivery must not run twice, got %d messages", len(msgs))
	}
	if f.provider.calls.Load() != 1 {
		t.Fatalf("expected one model call, got %d", f.provider.calls.Load())
	}
}

func TestHandleRunModelFailureWritesError(t *testing.T) {
	f := newRunnerFixture(t)
	f.provider.err = errors.New("model exploded")
	evt := runEvent(t, dispatch.EventCodeAgentRun, dispatch.RunPayload{Value: "build it", ProjectID: "p1"})

	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("handle: %v", err)
	}

	msgs, err := f.msgs.ListByProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one terminal message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Role != store.RoleAssistant || msg.Type != store.TypeError {
		t.Fatalf("expected assistant error, got %s/%s", msg.Role, msg.Type)
	}
	if msg.Fragment != nil {
		t.Fatalf("error message must not carry a fragment")
	}
}

// blockingProvider never answers until the run context expires.
type blockingProvider struct{}

func (blockingProvider) Generate(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestHandleRunTimeoutWritesError(t *testing.T) {
	f := newRunnerFixture(t)
	f.runner.provider = blockingProvider{}
	f.runner.runTimeout = 50 * time.Millisecond
	evt := runEvent(t, dispatch.EventCodeAgentRun, dispatch.RunPayload{Value: "build it", ProjectID: "p1"})

	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// A run that times out still leaves a terminal message so pollers
	// are never stranded.
	msgs, err := f.msgs.ListByProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one terminal message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Role != store.RoleAssistant || msg.Type != store.TypeError {
		t.Fatalf("expected assistant error, got %s/%s", msg.Role, msg.Type)
	}
	if msg.Content != "Generation timed out. Please try again." {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
}

func TestClaimExpiresUnlessRunCompletes(t *testing.T) {
	f := newRunnerFixture(t)
	ctx := context.Background()

	// A claim without a terminal outcome lapses shortly after the run
	// window, freeing redelivery to retry the event.
	fresh, err := f.runner.claim(ctx, "evt-crashed")
	if err != nil || !fresh {
		t.Fatalf("claim: fresh=%v err=%v", fresh, err)
	}
	if ttl := f.mr.TTL(dedupeKey("evt-crashed")); ttl <= 0 || ttl > f.runner.runTimeout+claimSlack {
		t.Fatalf("claim ttl %v should not outlive the run window", ttl)
	}

	evt := runEvent(t, dispatch.EventCodeAgentRun, dispatch.RunPayload{Value: "build it", ProjectID: "p1"})
	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ttl := f.mr.TTL(dedupeKey(evt.ID)); ttl != dedupeTTL {
		t.Fatalf("completed event marker ttl %v, want %v", ttl, dedupeTTL)
	}
}

func TestHandleRunWithoutFilesSkipsSandbox(t *testing.T) {
	f := newRunnerFixture(t)
	f.provider.resp = `{"title":"Answer","summary":"no files needed"}`
	evt := runEvent(t, dispatch.EventCodeAgentRun, dispatch.RunPayload{Value: "explain", ProjectID: "p1"})

	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.creates.Load() != 0 {
		t.Fatalf("no sandbox should be provisioned without files")
	}

	msgs, _ := f.msgs.ListByProject(context.Background(), "p1")
	if len(msgs) != 1 || msgs[0].Fragment == nil || msgs[0].Fragment.SandboxURL != "" {
		t.Fatalf("unexpected terminal message: %+v", msgs)
	}
}

func TestHandleMalformedPayloadAcked(t *testing.T) {
	f := newRunnerFixture(t)
	evt := &bus.Event{ID: "evt-bad", Name: dispatch.EventCodeAgentRun, Payload: []byte("{not json"), CreatedAt: time.Now()}

	// Malformed payloads are dropped, not redelivered forever.
	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.provider.calls.Load() != 0 {
		t.Fatalf("no model call for malformed payload")
	}
}

func TestHandleTestSimple(t *testing.T) {
	f := newRunnerFixture(t)
	evt := runEvent(t, dispatch.EventTestSimple, dispatch.TestPayload{ProjectID: "p1", UserID: "u1"})

	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs, _ := f.msgs.ListByProject(context.Background(), "p1")
	if len(msgs) != 1 || msgs[0].Type != store.TypeResult {
		t.Fatalf("expected a wiring check result, got %+v", msgs)
	}
	if f.provider.calls.Load() != 0 {
		t.Fatalf("wiring check must not call the model")
	}
}

func TestHandleDebugRun(t *testing.T) {
	f := newRunnerFixture(t)
	evt := runEvent(t, dispatch.EventDebugRun, dispatch.DebugPayload{UserID: "u1"})

	if err := f.runner.Handle(evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if f.provider.calls.Load() != 1 {
		t.Fatalf("expected one model call, got %d", f.provider.calls.Load())
	}
}

func TestStartSubscribesRunSubjects(t *testing.T) {
	f := newRunnerFixture(t)
	sb := &stubBus{}
	f.runner.bus = sb

	if err := f.runner.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := []string{"evt.code-agent.run", "evt.test.simple", "evt.debug.run"}
	if len(sb.subjects) != len(want) {
		t.Fatalf("unexpected subjects: %v", sb.subjects)
	}
	for i, s := range want {
		if sb.subjects[i] != s {
			t.Fatalf("subject %d: want %s, got %s", i, s, sb.subjects[i])
		}
		if sb.queues[i] != QueueGroup {
			t.Fatalf("subject %s: expected queue group %s", s, sb.queues[i])
		}
	}
}

func TestSandboxManagerReusesBinding(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := redisutil.NewClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	var creates atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		_ = json.NewEncoder(w).Encode(Sandbox{ID: "sb-1", Host: "sb-1.preview.test"})
	}))
	t.Cleanup(srv.Close)

	m := NewSandboxManager(NewSandboxClient(srv.URL, "lumo-nextjs"), rc)
	ctx := context.Background()

	first, err := m.ForProject(ctx, "p1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := m.ForProject(ctx, "p1")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected cached sandbox, got %s and %s", first.ID, second.ID)
	}
	if creates.Load() != 1 {
		t.Fatalf("expected one provision call, got %d", creates.Load())
	}

	// A stale binding provisions again.
	mr.FastForward(2 * time.Hour)
	if _, err := m.ForProject(ctx, "p1"); err != nil {
		t.Fatalf("after expiry: %v", err)
	}
	if creates.Load() != 2 {
		t.Fatalf("expected a second provision call, got %d", creates.Load())
	}

	// Different projects never share a binding.
	if _, err := m.ForProject(ctx, "p2"); err != nil {
		t.Fatalf("other project: %v", err)
	}
	if creates.Load() != 3 {
		t.Fatalf("expected a third provision call, got %d", creates.Load())
	}
}
