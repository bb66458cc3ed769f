package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/claudedeck/claudedeck/agent"
	"github.com/claudedeck/claudedeck/notify"
	"github.com/claudedeck/claudedeck/session"
)

// fakeTurn is a scripted TurnStream.
type fakeTurn struct {
	events    chan agent.Message
	err       error
	mu        sync.Mutex
	cancelled bool
}

func newFakeTurn(msgs ...agent.Message) *fakeTurn {
	t := &fakeTurn{events: make(chan agent.Message, len(msgs)+1)}
	for _, m := range msgs {
		t.events <- m
	}
	return t
}

func (f *fakeTurn) Events() <-chan agent.Message { return f.events }
func (f *fakeTurn) Err() error                   { return f.err }
func (f *fakeTurn) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancelled {
		f.cancelled = true
		close(f.events)
	}
}

func (f *fakeTurn) finish() {
	f.Cancel()
}

func (f *fakeTurn) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// fakeRunner hands out a prepared turn and records the options it was
// started with.
type fakeRunner struct {
	turn   *fakeTurn
	runErr error

	mu       sync.Mutex
	lastOpts agent.Options
}

func (f *fakeRunner) Run(ctx context.Context, prompt string, opts agent.Options) (agent.TurnStream, error) {
	f.mu.Lock()
	f.lastOpts = opts
	f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.turn, nil
}

func (f *fakeRunner) startedWith() agent.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpts
}

// recordingEmitter captures emitted events and exposes them on a channel.
type emitted struct {
	event   string
	payload map[string]any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
	ch     chan emitted
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{ch: make(chan emitted, 64)}
}

func (r *recordingEmitter) Emit(event string, payload any) {
	e := emitted{event: event}
	if m, ok := payload.(map[string]any); ok {
		e.payload = m
	}
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recordingEmitter) next(t *testing.T, want string) emitted {
	t.Helper()
	select {
	case e := <-r.ch:
		if e.event != want {
			t.Fatalf("event = %q, want %q", e.event, want)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
		return emitted{}
	}
}

func (r *recordingEmitter) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.event
	}
	return out
}

type idleProber struct{ active map[string]session.Candidate }

func (p *idleProber) Active() map[string]session.Candidate {
	if p.active == nil {
		return map[string]session.Candidate{}
	}
	return p.active
}
func (p *idleProber) FindForSession(id string) (session.Candidate, bool) {
	c, ok := p.Active()[id]
	return c, ok
}

func newTestController(t *testing.T, runner agent.Runner) (*Controller, *recordingEmitter, *session.Registry, *notify.Queue) {
	t.Helper()
	reg := session.NewRegistry(session.NewLogStore(t.TempDir()), &idleProber{})
	queue := notify.NewQueue()
	queue.Register("client-1")
	em := newRecordingEmitter()
	return NewController(runner, reg, queue, em, "client-1"), em, reg, queue
}

func assistantMsg(sessionID string, content string) agent.Message {
	return agent.Message{
		Type:      "assistant",
		SessionID: sessionID,
		Message:   json.RawMessage(content),
	}
}

func TestExecuteApprovalSuspendsAssistantMessage(t *testing.T) {
	turn := newFakeTurn(
		agent.Message{Type: "system", Subtype: "init", SessionID: "s1"},
		assistantMsg("s1", `{"role":"assistant","content":[{"type":"text","text":"run"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}`),
	)
	ctrl, em, _, _ := newTestController(t, &fakeRunner{turn: turn})

	done := make(chan struct{})
	go func() {
		ctrl.Execute(context.Background(), "do it", Options{})
		close(done)
	}()

	em.next(t, "execution:start")
	em.next(t, "message:system")
	approval := em.next(t, "tool:approval")

	// No assistant message may be emitted before a decision
	for _, name := range em.names() {
		if name == "message:assistant" {
			t.Fatal("message:assistant emitted before approval decision")
		}
	}
	tools, ok := approval.payload["tools"].([]ToolCall)
	if !ok || len(tools) != 1 || tools[0].Name != "Bash" {
		t.Fatalf("approval tools = %v", approval.payload["tools"])
	}

	ctrl.Resolve(false)
	cancelled := em.next(t, "execution:cancelled")
	if cancelled.payload["reason"] != "rejected" {
		t.Errorf("reason = %v, want rejected", cancelled.payload["reason"])
	}

	<-done
	if !turn.wasCancelled() {
		t.Error("underlying stream not cancelled on rejection")
	}
	for _, name := range em.names() {
		if name == "message:assistant" {
			t.Error("message:assistant emitted after rejection")
		}
	}
}

func TestExecuteApprovalApproveContinues(t *testing.T) {
	turn := newFakeTurn(
		assistantMsg("s1", `{"role":"assistant","content":[{"type":"tool_use","name":"Write","input":{"path":"a"}}]}`),
	)
	ctrl, em, reg, _ := newTestController(t, &fakeRunner{turn: turn})

	done := make(chan struct{})
	go func() {
		ctrl.Execute(context.Background(), "go", Options{})
		close(done)
	}()

	em.next(t, "execution:start")
	em.next(t, "tool:approval")
	ctrl.Resolve(true)
	em.next(t, "message:assistant")

	turn.finish()
	em.next(t, "execution:complete")
	<-done

	info, err := reg.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.MessageCount != 1 || info.ToolCalls != 1 {
		t.Errorf("counters = (%d, %d), want (1, 1)", info.MessageCount, info.ToolCalls)
	}
}

func TestExecuteBypassSkipsApproval(t *testing.T) {
	turn := newFakeTurn(
		assistantMsg("s1", `{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{}}]}`),
	)
	ctrl, em, _, _ := newTestController(t, &fakeRunner{turn: turn})

	done := make(chan struct{})
	go func() {
		ctrl.Execute(context.Background(), "go", Options{PermissionMode: "bypassPermissions"})
		close(done)
	}()

	em.next(t, "execution:start")
	em.next(t, "message:assistant")
	turn.finish()
	em.next(t, "execution:complete")
	<-done

	for _, name := range em.names() {
		if name == "tool:approval" {
			t.Error("approval requested despite bypass mode")
		}
	}
}

func TestCloseWhileAwaitingApprovalRejects(t *testing.T) {
	turn := newFakeTurn(
		assistantMsg("s1", `{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{}}]}`),
	)
	ctrl, em, _, _ := newTestController(t, &fakeRunner{turn: turn})

	done := make(chan struct{})
	go func() {
		ctrl.Execute(context.Background(), "go", Options{})
		close(done)
	}()

	em.next(t, "execution:start")
	em.next(t, "tool:approval")

	ctrl.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not terminate after Close")
	}

	// A late decision after disconnect must be a no-op
	ctrl.Resolve(true)
}

func TestExecuteStreamErrorClassified(t *testing.T) {
	turn := newFakeTurn()
	turn.err = errors.New("agent process failed: exit status 1 (stderr: boom)")
	ctrl, em, _, queue := newTestController(t, &fakeRunner{turn: turn})

	done := make(chan struct{})
	go func() {
		ctrl.Execute(context.Background(), "go", Options{SessionID: "s1"})
		close(done)
	}()

	em.next(t, "execution:start")
	turn.finish()
	errEvent := em.next(t, "execution:error")
	<-done

	if errEvent.payload["error"] != msgProcessExited {
		t.Errorf("error = %v, want %q", errEvent.payload["error"], msgProcessExited)
	}

	unread := queue.Unread("client-1")
	if len(unread) != 1 || unread[0].Kind != notify.KindError {
		t.Errorf("expected one error notification, got %v", unread)
	}
}

func TestExecuteRefusesConcurrentTurn(t *testing.T) {
	turn := newFakeTurn()
	ctrl, em, _, _ := newTestController(t, &fakeRunner{turn: turn})

	done := make(chan struct{})
	go func() {
		ctrl.Execute(context.Background(), "first", Options{})
		close(done)
	}()
	em.next(t, "execution:start")

	ctrl.Execute(context.Background(), "second", Options{})
	e := em.next(t, "execution:error")
	if e.payload["error"] != "A turn is already in progress on this connection." {
		t.Errorf("error = %v", e.payload["error"])
	}

	turn.finish()
	em.next(t, "execution:complete")
	<-done
}

func TestSendCommentUnknownSession(t *testing.T) {
	ctrl, em, _, _ := newTestController(t, &fakeRunner{turn: newFakeTurn()})

	done := make(chan struct{})
	go func() {
		ctrl.SendComment(context.Background(), "hi", "ghost", nil)
		close(done)
	}()

	e := em.next(t, "comment:error")
	<-done
	if e.payload["error"] != "Session not found." {
		t.Errorf("error = %v, want session-not-found message", e.payload["error"])
	}
	if e.payload["sessionId"] != "ghost" {
		t.Errorf("sessionId = %v", e.payload["sessionId"])
	}
}

func TestSendCommentInactiveSession(t *testing.T) {
	ctrl, em, reg, _ := newTestController(t, &fakeRunner{turn: newFakeTurn()})
	reg.Register(&session.Info{ID: "idle1", ProjectPath: "/home/me/idle"})

	done := make(chan struct{})
	go func() {
		ctrl.SendComment(context.Background(), "hi", "idle1", nil)
		close(done)
	}()

	e := em.next(t, "comment:error")
	<-done
	if e.payload["error"] != "Session is not active. Start it before commenting." {
		t.Errorf("error = %v, want inactive-session message", e.payload["error"])
	}
}

func TestSendCommentActiveSession(t *testing.T) {
	turn := newFakeTurn(
		assistantMsg("s1", `{"role":"assistant","content":[{"type":"text","text":"done"}]}`),
	)
	runner := &fakeRunner{turn: turn}
	reg := session.NewRegistry(
		session.NewLogStore(t.TempDir()),
		&idleProber{active: map[string]session.Candidate{"s1": {PID: 42}}},
	)
	reg.Register(&session.Info{ID: "s1", ProjectPath: "/home/me/proj"})
	queue := notify.NewQueue()
	queue.Register("client-1")
	em := newRecordingEmitter()
	ctrl := NewController(runner, reg, queue, em, "client-1")

	done := make(chan struct{})
	go func() {
		ctrl.SendComment(context.Background(), "keep going", "s1", nil)
		close(done)
	}()

	em.next(t, "comment:sent")
	em.next(t, "message:assistant")
	turn.finish()
	complete := em.next(t, "comment:complete")
	<-done

	if complete.payload["comment"] != "keep going" {
		t.Errorf("comment = %v", complete.payload["comment"])
	}

	// The resumed turn runs in the session's project directory
	opts := runner.startedWith()
	if opts.WorkingDir != "/home/me/proj" {
		t.Errorf("WorkingDir = %q, want /home/me/proj", opts.WorkingDir)
	}
	if opts.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", opts.SessionID)
	}
}

func TestApprovalBroadcastsNotification(t *testing.T) {
	turn := newFakeTurn(
		assistantMsg("s1", `{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{}}]}`),
	)
	ctrl, em, _, queue := newTestController(t, &fakeRunner{turn: turn})
	queue.Register("client-2")

	done := make(chan struct{})
	go func() {
		ctrl.Execute(context.Background(), "go", Options{})
		close(done)
	}()

	em.next(t, "execution:start")
	em.next(t, "tool:approval")

	if got := len(queue.Unread("client-1")); got != 1 {
		t.Errorf("own mailbox = %d, want 1", got)
	}
	if got := len(queue.Unread("client-2")); got != 1 {
		t.Errorf("other mailbox = %d, want 1", got)
	}

	ctrl.Resolve(true)
	em.next(t, "message:assistant")
	turn.finish()
	em.next(t, "execution:complete")
	<-done
}
