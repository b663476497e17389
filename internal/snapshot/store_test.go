package snapshot

import (
	"sync"
	"testing"
)

func TestBeginGetEnd(t *testing.T) {
	s := NewStore()

	if _, ok := s.Get("s1"); ok {
		t.Fatal("expected no snapshot before Begin")
	}

	s.Begin("s1")
	snap, ok := s.Get("s1")
	if !ok {
		t.Fatal("expected snapshot after Begin")
	}
	if snap.Status != StatusThinking {
		t.Errorf("expected thinking status, got %s", snap.Status)
	}

	s.End("s1")
	if _, ok := s.Get("s1"); ok {
		t.Fatal("expected no snapshot after End")
	}
}

func TestAppendText(t *testing.T) {
	s := NewStore()
	s.Begin("s1")

	s.AppendText("s1", "hello ")
	s.AppendText("s1", "world")

	snap, _ := s.Get("s1")
	if snap.StreamedText != "hello world" {
		t.Errorf("expected accumulated text, got %q", snap.StreamedText)
	}
	if snap.Status != StatusResponding {
		t.Errorf("expected responding status, got %s", snap.Status)
	}

	s.ResetText("s1")
	snap, _ = s.Get("s1")
	if snap.StreamedText != "" {
		t.Errorf("expected empty text after reset, got %q", snap.StreamedText)
	}
}

func TestToolLifecycle(t *testing.T) {
	s := NewStore()
	s.Begin("s1")

	s.StartTool("s1", "call-1", "shell")
	snap, _ := s.Get("s1")
	if snap.CurrentTool == nil || snap.CurrentTool.ToolName != "shell" {
		t.Fatalf("expected current tool shell, got %+v", snap.CurrentTool)
	}
	if snap.Status != StatusToolUse {
		t.Errorf("expected tool_use status, got %s", snap.Status)
	}

	s.FinishTool("s1", "call-1", false, 42)
	snap, _ = s.Get("s1")
	if snap.CurrentTool != nil {
		t.Error("expected current tool cleared")
	}
	if len(snap.CompletedTools) != 1 || snap.CompletedTools[0].DurationMs != 42 {
		t.Errorf("expected one completed tool, got %+v", snap.CompletedTools)
	}
}

func TestPendingRequests(t *testing.T) {
	s := NewStore()
	s.Begin("s1")

	s.SetPendingApproval("s1", &PendingRequest{RequestID: "r1", ToolName: "shell"})
	snap, _ := s.Get("s1")
	if snap.PendingApproval == nil || snap.PendingApproval.RequestID != "r1" {
		t.Fatalf("expected pending approval r1, got %+v", snap.PendingApproval)
	}

	s.ClearPendingApproval("s1")
	snap, _ = s.Get("s1")
	if snap.PendingApproval != nil {
		t.Error("expected pending approval cleared")
	}
}

func TestMutateAfterEndIsNoop(t *testing.T) {
	s := NewStore()
	s.Begin("s1")
	s.End("s1")

	// Late engine events must not resurrect the snapshot
	s.AppendText("s1", "late")
	s.StartTool("s1", "call-1", "shell")

	if s.Len() != 0 {
		t.Errorf("expected no snapshots, got %d", s.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Begin("s1")
	s.StartTool("s1", "call-1", "shell")
	s.FinishTool("s1", "call-1", false, 1)

	snap, _ := s.Get("s1")
	snap.CompletedTools[0].ToolName = "mutated"

	again, _ := s.Get("s1")
	if again.CompletedTools[0].ToolName == "mutated" {
		t.Error("Get must return a copy, not shared state")
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore()
	s.Begin("s1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.AppendText("s1", "x")
		}()
		go func() {
			defer wg.Done()
			s.Get("s1")
		}()
	}
	wg.Wait()

	snap, _ := s.Get("s1")
	if len(snap.StreamedText) != 10 {
		t.Errorf("expected 10 appended chars, got %d", len(snap.StreamedText))
	}
}
