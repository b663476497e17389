package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/broker"
	"courier/internal/engine"
	"courier/internal/engine/enginetest"
	"courier/internal/hub"
	"courier/internal/snapshot"
	"courier/internal/storage"
)

// capturePub records published events and persists durable ones, mirroring
// what the hub does on the live path.
type capturePub struct {
	db *storage.DB

	mu     sync.Mutex
	events []hub.Event
}

func (p *capturePub) Publish(ev hub.Event) error {
	if p.db != nil && strings.HasPrefix(ev.Name, hub.DurablePrefix) {
		payload, _ := json.Marshal(ev.Data)
		seq, err := p.db.AppendEvent(ev.SessionKey, ev.Name, payload)
		if err != nil {
			return err
		}
		ev.Seq = seq
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePub) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (p *capturePub) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Name
	}
	return out
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "courier.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestOrch(t *testing.T, cfg Config, scripts ...enginetest.Script) (*Orchestrator, *enginetest.Fake, *capturePub, *storage.DB) {
	t.Helper()

	db := openTestDB(t)
	fake := enginetest.NewFake(scripts...)
	pub := &capturePub{db: db}
	o := New(cfg, db, fake, pub, snapshot.NewStore(), nil, &broker.Policy{Mode: broker.ActionAuto})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o, fake, pub, db
}

func submitReq() SubmitRequest {
	return SubmitRequest{Channel: "telegram", ChatType: "private", ChatID: "42", Prompt: "hi"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitHappyPath(t *testing.T) {
	o, _, pub, db := newTestOrch(t, Config{}, enginetest.Script{
		Events: []engine.Event{
			engine.NewInitEvent("eng-session", "resume-token"),
			engine.Event{Type: engine.EventTypeTurnStart},
			engine.NewTextDeltaEvent("Hel"),
			engine.NewTextDeltaEvent("lo"),
			engine.Event{Type: engine.EventTypeTurnEnd},
			engine.NewResultEvent("Hello", &engine.Usage{TotalTokens: 7}, false),
		},
	})

	res, err := o.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Hello" {
		t.Errorf("expected result text Hello, got %q", res.Text)
	}
	if res.RunID == "" {
		t.Error("expected a run id")
	}
	if res.Usage == nil || res.Usage.TotalTokens != 7 {
		t.Errorf("expected usage carried through, got %+v", res.Usage)
	}

	for _, want := range []string{
		hub.EventRunStarted, hub.EventTurnStarted, hub.EventStreamDelta,
		hub.EventTurnCompleted, hub.EventTurnResult, hub.EventRunCompleted,
	} {
		if pub.count(want) == 0 {
			t.Errorf("expected %s event, published: %v", want, pub.names())
		}
	}

	session, err := db.GetSession(storage.SessionKey("telegram", "private", "42"))
	if err != nil {
		t.Fatal(err)
	}
	if session.SessionID != "eng-session" || session.ResumeToken != "resume-token" {
		t.Errorf("expected engine identity persisted, got %+v", session)
	}
	if session.ActiveRun {
		t.Error("active run flag must clear after settlement")
	}
	if session.MessageCount != 1 {
		t.Errorf("expected message count 1, got %d", session.MessageCount)
	}
}

func TestMultiTurnResultsAllPublished(t *testing.T) {
	o, _, pub, _ := newTestOrch(t, Config{}, enginetest.Script{
		Events: []engine.Event{
			engine.Event{Type: engine.EventTypeTurnStart},
			engine.Event{Type: engine.EventTypeTurnEnd},
			engine.NewResultEvent("first turn", nil, false),
			engine.Event{Type: engine.EventTypeTurnStart},
			engine.Event{Type: engine.EventTypeTurnEnd},
			engine.NewResultEvent("second turn", nil, false),
		},
	})

	res, err := o.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "second turn" {
		t.Errorf("expected last turn's text, got %q", res.Text)
	}

	// Every turn-final result is durable, not just the last.
	if got := pub.count(hub.EventTurnResult); got != 2 {
		t.Errorf("expected 2 turn result events, got %d: %v", got, pub.names())
	}
	if got := pub.count(hub.EventRunCompleted); got != 1 {
		t.Errorf("expected 1 run completed event, got %d", got)
	}
}

func TestRunsSerializePerSession(t *testing.T) {
	hold := make(chan struct{})
	o, _, pub, _ := newTestOrch(t, Config{},
		enginetest.Script{Hold: hold},
		enginetest.Script{Events: []engine.Event{engine.NewResultEvent("second", nil, false)}},
	)

	errs := make(chan error, 2)
	go func() {
		_, err := o.Submit(context.Background(), submitReq())
		errs <- err
	}()
	waitFor(t, "first run to start", func() bool { return pub.count(hub.EventRunStarted) == 1 })

	go func() {
		_, err := o.Submit(context.Background(), submitReq())
		errs <- err
	}()

	// The second run must wait for the first to settle.
	time.Sleep(50 * time.Millisecond)
	if got := pub.count(hub.EventRunStarted); got != 1 {
		t.Fatalf("second run started while first was live (%d started)", got)
	}

	close(hold)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	if got := pub.count(hub.EventRunStarted); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}

func TestAbortSettlesAsAborted(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	o, _, pub, db := newTestOrch(t, Config{}, enginetest.Script{Hold: hold})

	key := storage.SessionKey("telegram", "private", "42")
	errs := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), submitReq())
		errs <- err
	}()
	waitFor(t, "run to start", func() bool { return pub.count(hub.EventRunStarted) == 1 })

	if err := o.Abort(key); err != nil {
		t.Fatal(err)
	}
	if err := <-errs; !errors.Is(err, ErrRunAborted) {
		t.Fatalf("expected ErrRunAborted, got %v", err)
	}
	if pub.count(hub.EventRunAborted) != 1 {
		t.Errorf("expected aborted event, published: %v", pub.names())
	}

	session, err := db.GetSession(key)
	if err != nil {
		t.Fatal(err)
	}
	if session.ActiveRun {
		t.Error("active run flag must clear after abort")
	}
}

func TestAbortWithoutRun(t *testing.T) {
	o, _, _, _ := newTestOrch(t, Config{})
	if err := o.Abort("telegram:private:42"); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun, got %v", err)
	}
}

func TestInjectIntoLiveRun(t *testing.T) {
	hold := make(chan struct{})
	o, fake, pub, _ := newTestOrch(t, Config{}, enginetest.Script{SupportsInject: true, Hold: hold})

	key := storage.SessionKey("telegram", "private", "42")
	if o.Inject(key, "too early") {
		t.Fatal("inject must fail with no live run")
	}

	done := make(chan struct{})
	go func() {
		o.Submit(context.Background(), submitReq())
		close(done)
	}()
	waitFor(t, "run to start", func() bool { return pub.count(hub.EventRunStarted) == 1 })

	if !o.Inject(key, "while running") {
		t.Fatal("inject must succeed during a live run with a capable engine")
	}
	close(hold)
	<-done

	if len(fake.Injected) != 1 || fake.Injected[0] != "while running" {
		t.Errorf("expected injected text recorded, got %v", fake.Injected)
	}
}

func TestInjectUnsupportedEngine(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	o, _, pub, _ := newTestOrch(t, Config{}, enginetest.Script{Hold: hold})

	go o.Submit(context.Background(), submitReq())
	waitFor(t, "run to start", func() bool { return pub.count(hub.EventRunStarted) == 1 })

	if o.Inject(storage.SessionKey("telegram", "private", "42"), "nope") {
		t.Error("inject must report false when the engine has no handle")
	}
}

func TestResumeClearAndRetryOnce(t *testing.T) {
	o, fake, _, db := newTestOrch(t, Config{},
		enginetest.Script{RejectResume: true},
		enginetest.Script{Events: []engine.Event{engine.NewResultEvent("fresh", nil, false)}},
	)

	key := storage.SessionKey("telegram", "private", "42")
	if _, err := db.UpsertSession("telegram", "private", "42"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetResumeToken(key, "stale-token"); err != nil {
		t.Fatal(err)
	}

	res, err := o.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "fresh" {
		t.Errorf("expected retried run result, got %q", res.Text)
	}

	specs := fake.Specs()
	if len(specs) != 2 {
		t.Fatalf("expected 2 engine runs, got %d", len(specs))
	}
	if specs[0].ResumeToken != "stale-token" || specs[1].ResumeToken != "" {
		t.Errorf("expected stale token then fresh start, got %q and %q", specs[0].ResumeToken, specs[1].ResumeToken)
	}

	session, err := db.GetSession(key)
	if err != nil {
		t.Fatal(err)
	}
	if session.ResumeToken != "" {
		t.Errorf("stale token must be cleared, got %q", session.ResumeToken)
	}
}

func TestEngineErrorPublishesRunError(t *testing.T) {
	o, _, pub, _ := newTestOrch(t, Config{},
		enginetest.Script{Events: []engine.Event{engine.NewErrorEvent(errors.New("boom"))}},
		enginetest.Script{Events: []engine.Event{engine.NewResultEvent("recovered", nil, false)}},
	)

	_, err := o.Submit(context.Background(), submitReq())
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected engine error surfaced, got %v", err)
	}
	if pub.count(hub.EventRunError) != 1 {
		t.Errorf("expected run.error event, published: %v", pub.names())
	}

	// The session lane survives the failure.
	res, err := o.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "recovered" {
		t.Errorf("expected follow-up run to work, got %q", res.Text)
	}
}

type stubGate struct{ expired bool }

func (g *stubGate) Expired() bool { return g.expired }

type stubReauth struct {
	mu    sync.Mutex
	began []string
}

func (r *stubReauth) Begin(_ context.Context, sessionKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.began = append(r.began, sessionKey)
	return nil
}

func TestCredentialGateShortCircuits(t *testing.T) {
	o, fake, pub, _ := newTestOrch(t, Config{})
	reauth := &stubReauth{}
	o.SetCredentialGate(&stubGate{expired: true}, reauth)

	res, err := o.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected nil result on re-auth short-circuit, got %+v", res)
	}
	if len(fake.Specs()) != 0 {
		t.Error("engine must not run with expired credentials")
	}
	if pub.count(hub.EventRunStarted) != 0 {
		t.Error("no run must start with expired credentials")
	}

	reauth.mu.Lock()
	defer reauth.mu.Unlock()
	if len(reauth.began) != 1 {
		t.Errorf("expected re-auth flow to begin once, got %v", reauth.began)
	}
}

func TestPruneAfterGrace(t *testing.T) {
	o, _, _, db := newTestOrch(t, Config{PruneGrace: 30 * time.Millisecond}, enginetest.Script{
		Events: []engine.Event{engine.NewResultEvent("done", nil, false)},
	})

	if _, err := o.Submit(context.Background(), submitReq()); err != nil {
		t.Fatal(err)
	}

	key := storage.SessionKey("telegram", "private", "42")
	seq, err := db.MaxSeq(key)
	if err != nil {
		t.Fatal(err)
	}
	if seq == 0 {
		t.Fatal("expected persisted run events")
	}

	waitFor(t, "events to be pruned", func() bool {
		rows, err := db.EventsAfter([]storage.Cursor{{SessionKey: key}}, 0)
		return err == nil && len(rows) == 0
	})

	// Seq numbering never rewinds after a prune.
	next, err := db.AppendEvent(key, "agent.run.started", nil)
	if err != nil {
		t.Fatal(err)
	}
	if next <= seq {
		t.Errorf("expected seq to continue past %d, got %d", seq, next)
	}
}

type stubBroker struct {
	mu   sync.Mutex
	reqs []*broker.Request
	res  *broker.Resolution
}

func (b *stubBroker) RequestApproval(_ context.Context, req *broker.Request) (*broker.Resolution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	return b.res, nil
}

func TestToolGateClassification(t *testing.T) {
	db := openTestDB(t)
	pub := &capturePub{db: db}
	approvals := &stubBroker{res: &broker.Resolution{Approved: true, Status: broker.StatusAnswered}}

	o := New(Config{}, db, enginetest.NewFake(), pub, snapshot.NewStore(), approvals,
		&broker.Policy{Mode: broker.ActionRequire, AllowTools: []string{"read_*"}})

	t.Run("allow listed tool runs without asking", func(t *testing.T) {
		gate := o.approverFor("s1", submitReq())
		ok, err := gate.ApproveTool(context.Background(), "read_file", []byte("{}"))
		if err != nil || !ok {
			t.Fatalf("expected auto-approve, got %v %v", ok, err)
		}
		if len(approvals.reqs) != 0 {
			t.Error("broker must not be consulted for auto tools")
		}
	})

	t.Run("require consults broker", func(t *testing.T) {
		gate := o.approverFor("s1", submitReq())
		ok, err := gate.ApproveTool(context.Background(), "shell", []byte(`{"command":"ls"}`))
		if err != nil || !ok {
			t.Fatalf("expected broker approval, got %v %v", ok, err)
		}
		if len(approvals.reqs) != 1 || approvals.reqs[0].ToolName != "shell" {
			t.Fatalf("expected one broker request for shell, got %+v", approvals.reqs)
		}
		if approvals.reqs[0].Origin != broker.OriginDirect {
			t.Errorf("direct submits route approvals to direct clients, got %s", approvals.reqs[0].Origin)
		}
	})

	t.Run("channel submits route approvals to the channel", func(t *testing.T) {
		req := submitReq()
		req.FromChannel = true
		gate := o.approverFor("s1", req)
		if _, err := gate.ApproveTool(context.Background(), "shell", []byte("{}")); err != nil {
			t.Fatal(err)
		}
		last := approvals.reqs[len(approvals.reqs)-1]
		if last.Origin != broker.OriginChannel || last.Channel != "telegram" || last.ChatID != "42" {
			t.Errorf("expected channel-origin request, got %+v", last)
		}
	})

	t.Run("notify emits a notice and proceeds", func(t *testing.T) {
		o2 := New(Config{}, db, enginetest.NewFake(), pub, snapshot.NewStore(), approvals,
			&broker.Policy{Mode: broker.ActionNotify})
		gate := o2.approverFor("s1", submitReq())
		ok, err := gate.ApproveTool(context.Background(), "send_email", []byte("{}"))
		if err != nil || !ok {
			t.Fatalf("expected notify to proceed, got %v %v", ok, err)
		}
		if pub.count(hub.EventToolNotice) != 1 {
			t.Errorf("expected a tool notice event, published: %v", pub.names())
		}
	})
}
