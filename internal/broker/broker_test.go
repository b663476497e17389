package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/hub"
)

// mockPublisher records published events.
type mockPublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (m *mockPublisher) Publish(ev hub.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockPublisher) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Name
	}
	return out
}

// mockAsker records outbound channel questions.
type mockAsker struct {
	mu    sync.Mutex
	sent  []string
	msgID string
	err   error
}

func (m *mockAsker) Ask(ctx context.Context, channel, chatID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, text)
	return m.msgID, m.err
}

func newTestBroker(cfg Config) (*Broker, *mockPublisher, *mockAsker) {
	pub := &mockPublisher{}
	asker := &mockAsker{msgID: "msg-1"}
	return New(cfg, pub, asker, nil), pub, asker
}

func waitPending(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.PendingCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending count never reached %d (got %d)", n, b.PendingCount())
}

func TestApprovalResolvedByUser(t *testing.T) {
	b, pub, _ := newTestBroker(Config{})

	type outcome struct {
		res *Resolution
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := b.RequestApproval(context.Background(), &Request{
			ID:         "req-1",
			SessionKey: "s1",
			ToolName:   "shell",
		})
		done <- outcome{res, err}
	}()

	waitPending(t, b, 1)
	require.NoError(t, b.Resolve("req-1", SourceUser, true, "looks fine", nil))

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.res.Approved)
	assert.Equal(t, StatusAnswered, out.res.Status)
	assert.Equal(t, SourceUser, out.res.Source)
	assert.Equal(t, "looks fine", out.res.Message)

	assert.Equal(t, []string{hub.EventApprovalRequested, hub.EventApprovalResolved}, pub.names())
}

func TestResolveExactlyOnce(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	go b.RequestApproval(context.Background(), &Request{ID: "req-1", SessionKey: "s1"})
	waitPending(t, b, 1)

	require.NoError(t, b.Resolve("req-1", SourceUser, true, "", nil))
	assert.ErrorIs(t, b.Resolve("req-1", SourceUser, false, "", nil), ErrAlreadyResolved)
	assert.ErrorIs(t, b.Resolve("never-existed", SourceUser, true, "", nil), ErrNotFound)
}

func TestDirectApprovalTimeout(t *testing.T) {
	b, _, _ := newTestBroker(Config{ApprovalTimeout: 50 * time.Millisecond})

	res, err := b.RequestApproval(context.Background(), &Request{ID: "req-1", SessionKey: "s1"})
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, SourceTimeout, res.Source)

	// The timed-out request is retained, so a late answer conflicts.
	assert.ErrorIs(t, b.Resolve("req-1", SourceUser, true, "", nil), ErrAlreadyResolved)
}

func TestZeroTimeoutWaitsIndefinitely(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	done := make(chan *Resolution, 1)
	go func() {
		res, _ := b.RequestApproval(context.Background(), &Request{ID: "req-1", SessionKey: "s1"})
		done <- res
	}()
	waitPending(t, b, 1)

	select {
	case <-done:
		t.Fatal("request resolved without an answer")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, b.Resolve("req-1", SourceUser, true, "", nil))
	res := <-done
	assert.Equal(t, StatusAnswered, res.Status)
}

func TestChannelQuestionTimeoutPicksFirstOption(t *testing.T) {
	b, _, asker := newTestBroker(Config{ChannelQuestionTimeout: 50 * time.Millisecond})

	res, err := b.AskQuestion(context.Background(), &Request{
		ID:         "req-1",
		SessionKey: "s1",
		Origin:     OriginChannel,
		Channel:    "telegram",
		ChatID:     "42",
		Question:   "Deploy to production?",
		Options:    []string{"hold off", "deploy"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.False(t, res.Approved)
	assert.Equal(t, []string{"hold off"}, res.Answers)

	asker.mu.Lock()
	defer asker.mu.Unlock()
	require.Len(t, asker.sent, 1)
	assert.Contains(t, asker.sent[0], "Deploy to production?")
	assert.Contains(t, asker.sent[0], Marker("req-1"))
}

func TestContextCancelResolvesCancelled(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var res *Resolution
	go func() {
		var err error
		res, err = b.RequestApproval(ctx, &Request{ID: "req-1", SessionKey: "s1"})
		done <- err
	}()
	waitPending(t, b, 1)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, 0, b.PendingCount())

	assert.ErrorIs(t, b.Resolve("req-1", SourceUser, true, "", nil), ErrAlreadyResolved)
}

func TestChannelReplyByReplyTo(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	done := make(chan *Resolution, 1)
	go func() {
		res, _ := b.RequestApproval(context.Background(), &Request{
			ID:         "req-1",
			SessionKey: "s1",
			Origin:     OriginChannel,
			Channel:    "telegram",
			ChatID:     "42",
			ToolName:   "shell",
		})
		done <- res
	}()
	waitPending(t, b, 1)

	// Wait for the outbound message id to be recorded.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.RLock()
		_, ok := b.byMessage["telegram/msg-1"]
		b.mu.RUnlock()
		if ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	handled, backref := b.HandleChannelReply("telegram", "42", "msg-1", "yes")
	assert.True(t, handled)
	assert.Empty(t, backref)

	res := <-done
	assert.True(t, res.Approved)
	assert.Equal(t, SourceChannel, res.Source)
}

func TestChannelReplyByMarker(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	done := make(chan *Resolution, 1)
	go func() {
		res, _ := b.AskQuestion(context.Background(), &Request{
			ID:         "abcdef12-0000-0000-0000-000000000000",
			SessionKey: "s1",
			Origin:     OriginChannel,
			Channel:    "telegram",
			ChatID:     "42",
			Question:   "Which branch?",
			Options:    []string{"main", "develop"},
		})
		done <- res
	}()
	waitPending(t, b, 1)

	handled, _ := b.HandleChannelReply("telegram", "99", "", "2 #abcdef12")
	assert.True(t, handled)

	res := <-done
	assert.Equal(t, []string{"develop"}, res.Answers)
}

func TestChannelReplyByRecency(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	done := make(chan *Resolution, 1)
	go func() {
		res, _ := b.AskQuestion(context.Background(), &Request{
			ID:         "req-1",
			SessionKey: "s1",
			Origin:     OriginChannel,
			Channel:    "telegram",
			ChatID:     "42",
			Question:   "Proceed?",
			Options:    []string{"yes", "no"},
		})
		done <- res
	}()
	waitPending(t, b, 1)

	handled, _ := b.HandleChannelReply("telegram", "42", "", "no")
	assert.True(t, handled)

	res := <-done
	assert.Equal(t, []string{"no"}, res.Answers)
}

func TestChannelReplyWrongChatNotMatched(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	go b.AskQuestion(context.Background(), &Request{
		ID:      "req-1",
		Origin:  OriginChannel,
		Channel: "telegram",
		ChatID:  "42",
	})
	waitPending(t, b, 1)

	handled, backref := b.HandleChannelReply("telegram", "other-chat", "", "yes")
	assert.False(t, handled)
	assert.Empty(t, backref)
	assert.Equal(t, 1, b.PendingCount())
}

func TestLateReplyGetsBackref(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	go b.AskQuestion(context.Background(), &Request{
		ID:       "abcdef12-0000-0000-0000-000000000000",
		Origin:   OriginChannel,
		Channel:  "telegram",
		ChatID:   "42",
		Question: "Which environment?",
		Options:  []string{"staging", "prod"},
	})
	waitPending(t, b, 1)

	require.NoError(t, b.Resolve("abcdef12-0000-0000-0000-000000000000", SourceUser, false, "", []string{"staging"}))

	handled, backref := b.HandleChannelReply("telegram", "42", "", "prod #abcdef12")
	assert.False(t, handled)
	assert.Equal(t, "Re: Which environment?", backref)
}

func TestMaxPending(t *testing.T) {
	b, _, _ := newTestBroker(Config{MaxPending: 1})

	go b.RequestApproval(context.Background(), &Request{ID: "req-1", SessionKey: "s1"})
	waitPending(t, b, 1)

	_, err := b.RequestApproval(context.Background(), &Request{ID: "req-2", SessionKey: "s1"})
	assert.ErrorIs(t, err, ErrMaxPending)
}

func TestCloseCancelsPending(t *testing.T) {
	b, _, _ := newTestBroker(Config{})

	done := make(chan *Resolution, 1)
	go func() {
		res, _ := b.RequestApproval(context.Background(), &Request{ID: "req-1", SessionKey: "s1"})
		done <- res
	}()
	waitPending(t, b, 1)

	b.Close()
	res := <-done
	assert.Equal(t, StatusCancelled, res.Status)
	assert.False(t, res.Approved)
}

func TestIsAffirmative(t *testing.T) {
	assert.True(t, isAffirmative("yes"))
	assert.True(t, isAffirmative(" Yes. "))
	assert.True(t, isAffirmative("ok #abcdef12"))
	assert.True(t, isAffirmative("go ahead"))
	assert.False(t, isAffirmative("no"))
	assert.False(t, isAffirmative("yes but not now"))
}

func TestParseAnswersMulti(t *testing.T) {
	req := &Request{
		Options: []string{"alpha", "beta", "gamma"},
		Multi:   true,
	}
	assert.Equal(t, []string{"alpha", "gamma"}, parseAnswers(req, "1, 3"))
	assert.Equal(t, []string{"beta", "custom"}, parseAnswers(req, "Beta, custom"))
}
