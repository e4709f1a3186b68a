package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/gemchat/pkg/directory"
	"github.com/nstogner/gemchat/pkg/domain"
	"github.com/nstogner/gemchat/pkg/generator"
	"github.com/nstogner/gemchat/pkg/session"
	"github.com/nstogner/gemchat/pkg/store"
)

// memStore is an in-memory ThreadStore that counts saves, used to assert the
// commit-on-terminal property.
type memStore struct {
	mu       sync.Mutex
	threads  map[string]domain.Thread
	saves    int
	failSave bool
}

func newMemStore() *memStore {
	return &memStore{threads: make(map[string]domain.Thread)}
}

func (s *memStore) Save(ctx context.Context, t *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return fmt.Errorf("save thread: %w", store.ErrUnavailable)
	}
	cp := *t
	cp.Messages = append([]domain.Message(nil), t.Messages...)
	s.threads[t.ID] = cp
	s.saves++
	return nil
}

func (s *memStore) LoadAll(ctx context.Context) ([]domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Thread
	for _, t := range s.threads {
		cp := t
		cp.Messages = append([]domain.Message(nil), t.Messages...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.threads, id)
	return nil
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *memStore) get(id string) (domain.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	return t, ok
}

// scriptedStream plays back a fixed fragment sequence. onNext runs before
// fragment i is handed out, which lets tests invoke Stop at an exact point in
// the stream. respectCtx controls which side of the cancellation race the
// fake lands on: true means the in-flight fragment is discarded, false means
// it is still delivered.
type scriptedStream struct {
	ctx        context.Context
	fragments  []string
	failWith   error
	onNext     func(i int)
	respectCtx bool
	gate       <-chan struct{}

	i      int
	closed bool
}

func (s *scriptedStream) Next() (string, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.onNext != nil {
		s.onNext(s.i)
	}
	if s.respectCtx {
		if err := s.ctx.Err(); err != nil {
			return "", err
		}
	}
	if s.i < len(s.fragments) {
		frag := s.fragments[s.i]
		s.i++
		return frag, nil
	}
	if s.failWith != nil {
		return "", s.failWith
	}
	return "", generator.Done
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type fakeProvider struct {
	mu        sync.Mutex
	mk        func(ctx context.Context) *scriptedStream
	streamErr error
	histories [][]generator.Turn
}

func (p *fakeProvider) Stream(ctx context.Context, history []generator.Turn) (generator.Stream, error) {
	p.mu.Lock()
	p.histories = append(p.histories, history)
	p.mu.Unlock()
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return p.mk(ctx), nil
}

func fragmentsProvider(fragments ...string) *fakeProvider {
	return &fakeProvider{mk: func(ctx context.Context) *scriptedStream {
		return &scriptedStream{ctx: ctx, fragments: fragments}
	}}
}

func newTestRig(p generator.Provider) (*Controller, *session.Session, *directory.Directory, *memStore) {
	st := newMemStore()
	sess := session.New(st)
	dir := directory.New()
	return New(sess, st, dir, p), sess, dir, st
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("send did not reach a terminal state")
		return nil
	}
}

func TestSend_NewThreadFlow(t *testing.T) {
	ctrl, sess, dir, st := newTestRig(fragmentsProvider("Hi", " there"))

	threadID, done, err := ctrl.Send(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if threadID == "" {
		t.Fatal("expected a minted thread ID")
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("terminal error: %v", err)
	}

	saved, ok := st.get(threadID)
	if !ok {
		t.Fatal("thread not committed")
	}
	if saved.Title != "Hello" {
		t.Errorf("title = %q, want %q", saved.Title, "Hello")
	}
	if len(saved.Messages) != 2 {
		t.Fatalf("expected 2 committed messages, got %d", len(saved.Messages))
	}
	if saved.Messages[0].Role != domain.RoleUser || saved.Messages[0].Content != "Hello" {
		t.Errorf("user message = %+v", saved.Messages[0])
	}
	if saved.Messages[1].Role != domain.RoleAssistant || saved.Messages[1].Content != "Hi there" {
		t.Errorf("assistant message = %+v", saved.Messages[1])
	}
	if saved.Messages[1].IsError {
		t.Error("successful reply must not be flagged as error")
	}
	if got := st.saveCount(); got != 1 {
		t.Errorf("saves = %d, want exactly 1 per send", got)
	}

	snap := sess.Snapshot()
	if snap.IsLoading || snap.IsStreaming {
		t.Error("session should be idle after completion")
	}
	if dir.Len() != 1 {
		t.Errorf("directory threads = %d, want 1", dir.Len())
	}
}

func TestSend_TitleTruncatedAt50(t *testing.T) {
	ctrl, _, _, st := newTestRig(fragmentsProvider("ok"))

	long := strings.Repeat("x", 80)
	threadID, done, err := ctrl.Send(context.Background(), long)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitDone(t, done)

	saved, _ := st.get(threadID)
	if len(saved.Title) != 50 {
		t.Errorf("title length = %d, want 50", len(saved.Title))
	}
	if saved.Messages[0].Content != long {
		t.Error("message content must not be truncated")
	}
}

func TestSend_OrderingPreserved(t *testing.T) {
	var fragments []string
	var want strings.Builder
	for i := 0; i < 50; i++ {
		f := fmt.Sprintf("[%d]", i)
		fragments = append(fragments, f)
		want.WriteString(f)
	}
	ctrl, _, _, st := newTestRig(fragmentsProvider(fragments...))

	threadID, done, err := ctrl.Send(context.Background(), "count")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("terminal error: %v", err)
	}

	saved, _ := st.get(threadID)
	if got := saved.Messages[1].Content; got != want.String() {
		t.Errorf("accumulated content = %q, want concatenation in delivery order", got)
	}
	if st.saveCount() != 1 {
		t.Errorf("saves = %d, want 1", st.saveCount())
	}
}

func TestSend_RejectsConcurrent(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{mk: func(ctx context.Context) *scriptedStream {
		return &scriptedStream{ctx: ctx, fragments: []string{"slow"}, gate: gate}
	}}
	ctrl, _, _, st := newTestRig(p)

	_, done, err := ctrl.Send(context.Background(), "first")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, _, err := ctrl.Send(context.Background(), "second"); !errors.Is(err, ErrStreamInProgress) {
		t.Errorf("concurrent Send = %v, want ErrStreamInProgress", err)
	}

	close(gate)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("terminal error: %v", err)
	}

	// Only the first send ran; no interleaving possible.
	if st.saveCount() != 1 {
		t.Errorf("saves = %d, want 1", st.saveCount())
	}

	// A new send is accepted once the first reached a terminal state.
	_, done2, err := ctrl.Send(context.Background(), "third")
	if err != nil {
		t.Fatalf("Send after completion: %v", err)
	}
	waitDone(t, done2)
}

func TestSend_ExistingThreadBumpedEagerly(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{mk: func(ctx context.Context) *scriptedStream {
		return &scriptedStream{ctx: ctx, fragments: []string{"ok"}, gate: gate}
	}}
	ctrl, sess, dir, _ := newTestRig(p)

	old := time.Now().Add(-48 * time.Hour)
	sess.Attach(&domain.Thread{
		ID: "t1", Title: "old chat", CreatedAt: old, UpdatedAt: old,
		Messages: []domain.Message{
			{ID: "m1", Role: domain.RoleUser, Content: "earlier", Timestamp: old},
			{ID: "m2", Role: domain.RoleAssistant, Content: "sure", Timestamp: old},
		},
	})
	dir.Upsert(domain.Thread{ID: "t1", Title: "old chat", UpdatedAt: old})

	_, done, err := ctrl.Send(context.Background(), "again")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Bump is visible before any fragment has been delivered.
	groups := dir.Groups(time.Now(), "")
	if len(groups) != 1 || groups[0].Label != directory.LabelToday {
		t.Errorf("groups before first fragment = %+v, want thread under Today", groups)
	}

	close(gate)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("terminal error: %v", err)
	}

	// The full prior history plus the new user turn went to the generator.
	hist := p.histories[0]
	if len(hist) != 3 || hist[2].Content != "again" {
		t.Errorf("history = %+v", hist)
	}
}

func TestStop_PartialCancel(t *testing.T) {
	// respectCtx false: the fragment in flight when Stop lands is still
	// delivered and applied. respectCtx true: it is discarded.
	for _, tc := range []struct {
		name       string
		respectCtx bool
	}{
		{"extra fragment lands", false},
		{"cancellation seen first", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var ctrl *Controller
			p := &fakeProvider{mk: func(ctx context.Context) *scriptedStream {
				return &scriptedStream{
					ctx:        ctx,
					fragments:  []string{"A", "B", "C", "D"},
					respectCtx: tc.respectCtx,
					onNext: func(i int) {
						if i == 2 {
							ctrl.Stop()
						}
					},
				}
			}}
			var st *memStore
			ctrl, _, _, st = newTestRig(p)

			threadID, done, err := ctrl.Send(context.Background(), "go")
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if err := waitDone(t, done); err != nil {
				t.Fatalf("terminal error: %v", err)
			}

			saved, ok := st.get(threadID)
			if !ok {
				t.Fatal("cancelled send must still commit")
			}
			got := saved.Messages[len(saved.Messages)-1]
			if got.Role != domain.RoleAssistant {
				t.Fatalf("last committed message = %+v", got)
			}
			if got.Content != "AB" && got.Content != "ABC" {
				t.Errorf("committed content = %q, want \"AB\" or \"ABC\"", got.Content)
			}
			if got.IsError {
				t.Error("cancellation is not an error")
			}
			if st.saveCount() != 1 {
				t.Errorf("saves = %d, want 1", st.saveCount())
			}
		})
	}
}

func TestStop_Idempotent(t *testing.T) {
	ctrl, sess, _, _ := newTestRig(fragmentsProvider("ok"))

	// Stopping with nothing in flight is a no-op.
	ctrl.Stop()
	ctrl.Stop()
	if sess.IsStreaming() {
		t.Fatal("session must stay idle")
	}

	// A send after idle stops behaves normally.
	_, done, err := ctrl.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("terminal error: %v", err)
	}

	// Double-stop during a stream is covered by TestStop_PartialCancel via
	// repeated Stop here having no further effect.
	ctrl.Stop()
}

func TestSend_GeneratorFailsBeforeFirstFragment(t *testing.T) {
	p := &fakeProvider{mk: func(ctx context.Context) *scriptedStream {
		return &scriptedStream{ctx: ctx, failWith: errors.New("quota exceeded")}
	}}
	ctrl, sess, _, st := newTestRig(p)

	threadID, done, err := ctrl.Send(context.Background(), "x")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Fatalf("terminal error: %v", err)
	}

	saved, _ := st.get(threadID)
	got := saved.Messages[len(saved.Messages)-1]
	if got.Role != domain.RoleAssistant || got.Content != "Sorry, I encountered an error." {
		t.Errorf("error turn = %+v", got)
	}
	if !got.IsError {
		t.Error("failed turn must be flagged")
	}
	if st.saveCount() != 1 {
		t.Errorf("saves = %d, want 1", st.saveCount())
	}
	if sess.IsStreaming() {
		t.Error("session should be idle after failure")
	}
}

func TestSend_GeneratorFailsMidStream(t *testing.T) {
	p := &fakeProvider{mk: func(ctx context.Context) *scriptedStream {
		return &scriptedStream{ctx: ctx, fragments: []string{"partial "}, failWith: errors.New("connection reset")}
	}}
	ctrl, _, _, st := newTestRig(p)

	threadID, done, err := ctrl.Send(context.Background(), "x")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitDone(t, done)

	// The partial content is replaced, not left silently truncated.
	saved, _ := st.get(threadID)
	got := saved.Messages[len(saved.Messages)-1]
	if got.Content != "Sorry, I encountered an error." || !got.IsError {
		t.Errorf("error turn = %+v", got)
	}
}

func TestSend_ProviderSetupFailure(t *testing.T) {
	ctrl, _, _, st := newTestRig(&fakeProvider{streamErr: errors.New("bad api key")})

	threadID, done, err := ctrl.Send(context.Background(), "x")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitDone(t, done)

	saved, _ := st.get(threadID)
	got := saved.Messages[len(saved.Messages)-1]
	if got.Content != "Sorry, I encountered an error." || !got.IsError {
		t.Errorf("error turn = %+v", got)
	}
}

func TestSend_EmptyTextRejected(t *testing.T) {
	ctrl, _, _, _ := newTestRig(fragmentsProvider("ok"))
	if _, _, err := ctrl.Send(context.Background(), ""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Send(\"\") = %v, want ErrEmptyMessage", err)
	}
}

func TestCommit_StorageUnavailable(t *testing.T) {
	ctrl, sess, _, st := newTestRig(fragmentsProvider("Hi", " there"))
	st.failSave = true

	_, done, err := ctrl.Send(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	commitErr := waitDone(t, done)
	if !errors.Is(commitErr, store.ErrUnavailable) {
		t.Errorf("terminal error = %v, want ErrUnavailable", commitErr)
	}

	// The in-memory transcript is intact and remains the valid copy.
	snap := sess.Snapshot()
	if len(snap.Messages) != 2 || snap.Messages[1].Content != "Hi there" {
		t.Errorf("in-memory transcript corrupted: %+v", snap.Messages)
	}
	if snap.IsStreaming {
		t.Error("session should be idle even when the commit failed")
	}
}

func TestDelete(t *testing.T) {
	ctrl, sess, dir, st := newTestRig(fragmentsProvider("ok"))

	threadID, done, err := ctrl.Send(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitDone(t, done)

	if err := ctrl.Delete(context.Background(), threadID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := st.get(threadID); ok {
		t.Error("thread still in store after delete")
	}
	if dir.Len() != 0 {
		t.Error("thread still in directory after delete")
	}
	if sess.ThreadID() != "" {
		t.Error("deleting the active thread should clear the session")
	}

	if err := ctrl.Delete(context.Background(), threadID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestSelect_RejectedWhileStreaming(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{mk: func(ctx context.Context) *scriptedStream {
		return &scriptedStream{ctx: ctx, fragments: []string{"slow"}, gate: gate}
	}}
	ctrl, _, _, _ := newTestRig(p)

	_, done, err := ctrl.Send(context.Background(), "first")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := ctrl.Select(context.Background(), ""); !errors.Is(err, ErrStreamInProgress) {
		t.Errorf("Select during stream = %v, want ErrStreamInProgress", err)
	}
	if err := ctrl.Delete(context.Background(), "t-x"); !errors.Is(err, ErrStreamInProgress) {
		t.Errorf("Delete during stream = %v, want ErrStreamInProgress", err)
	}

	close(gate)
	waitDone(t, done)
}
