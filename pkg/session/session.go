// Package session holds the in-memory state for the currently open thread:
// its message list plus the transient loading/streaming flags. It is the
// single source of truth for what the UI shows; committing to the persistent
// store is the controller's job, so an aborted stream can still be committed
// with partial content.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nstogner/gemchat/pkg/domain"
	"github.com/nstogner/gemchat/pkg/store"
)

// ErrNoActiveThread indicates an append/update was attempted with no thread
// selected. Callers must create or select a thread first.
var ErrNoActiveThread = errors.New("no active thread")

// ErrNoAssistantTail indicates the last message is missing or not an
// assistant turn, so there is nothing to stream content into.
var ErrNoAssistantTail = errors.New("last message is not an assistant turn")

// Phase is the streaming state of the session. isLoading and isStreaming are
// derived from it, which makes isLoading ⇒ isStreaming hold by construction.
type Phase int

const (
	// PhaseIdle means no generation request is outstanding.
	PhaseIdle Phase = iota
	// PhaseRequesting means a request was sent but no fragment has arrived yet.
	PhaseRequesting
	// PhaseStreaming means fragments are arriving.
	PhaseStreaming
)

// Snapshot is an observable copy of the session handed to the presentation
// layer.
type Snapshot struct {
	ThreadID    string
	Title       string
	Messages    []domain.Message
	IsLoading   bool
	IsStreaming bool
}

// Session is safe for concurrent use: the controller mutates it from the
// stream-consuming goroutine while the UI snapshots it.
type Session struct {
	store store.ThreadStore

	mu          sync.RWMutex
	thread      *domain.Thread
	phase       Phase
	subscribers []chan string
}

// New creates an empty session in the new-chat state.
func New(st store.ThreadStore) *Session {
	return &Session{store: st}
}

// Select loads the thread with the given ID from the store into memory,
// replacing the current one. An empty ID clears to the new-chat state.
// The store is only read, never written.
func (s *Session) Select(ctx context.Context, id string) error {
	if id == "" {
		s.mu.Lock()
		s.thread = nil
		s.phase = PhaseIdle
		s.mu.Unlock()
		s.notify("")
		return nil
	}

	threads, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("select thread: %w", err)
	}
	for i := range threads {
		if threads[i].ID == id {
			s.mu.Lock()
			s.thread = &threads[i]
			s.phase = PhaseIdle
			s.mu.Unlock()
			s.notify(id)
			return nil
		}
	}
	return fmt.Errorf("select thread %s: %w", id, store.ErrNotFound)
}

// Attach makes a freshly minted, not-yet-persisted thread the active one.
func (s *Session) Attach(t *domain.Thread) {
	s.mu.Lock()
	s.thread = t
	s.mu.Unlock()
	s.notify(t.ID)
}

// ThreadID returns the active thread's ID, or "" in the new-chat state.
func (s *Session) ThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.thread == nil {
		return ""
	}
	return s.thread.ID
}

// AppendMessage appends to the active thread's message list.
func (s *Session) AppendMessage(m domain.Message) error {
	s.mu.Lock()
	if s.thread == nil {
		s.mu.Unlock()
		return ErrNoActiveThread
	}
	s.thread.Messages = append(s.thread.Messages, m)
	id := s.thread.ID
	s.mu.Unlock()
	s.notify(id)
	return nil
}

// ReplaceLastContent overwrites the content of the final message, which must
// be an assistant turn. This is how accumulated stream content is applied.
func (s *Session) ReplaceLastContent(content string) error {
	s.mu.Lock()
	if s.thread == nil {
		s.mu.Unlock()
		return ErrNoActiveThread
	}
	n := len(s.thread.Messages)
	if n == 0 || s.thread.Messages[n-1].Role != domain.RoleAssistant {
		s.mu.Unlock()
		return ErrNoAssistantTail
	}
	s.thread.Messages[n-1].Content = content
	id := s.thread.ID
	s.mu.Unlock()
	s.notify(id)
	return nil
}

// MarkLastError flags the final assistant message as a failed turn.
func (s *Session) MarkLastError() error {
	s.mu.Lock()
	if s.thread == nil {
		s.mu.Unlock()
		return ErrNoActiveThread
	}
	n := len(s.thread.Messages)
	if n == 0 || s.thread.Messages[n-1].Role != domain.RoleAssistant {
		s.mu.Unlock()
		return ErrNoAssistantTail
	}
	s.thread.Messages[n-1].IsError = true
	id := s.thread.ID
	s.mu.Unlock()
	s.notify(id)
	return nil
}

// BeginRequest transitions Idle → Requesting. The request has been sent; no
// fragment has arrived yet.
func (s *Session) BeginRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle {
		return fmt.Errorf("begin request: session already in phase %d", s.phase)
	}
	s.phase = PhaseRequesting
	return nil
}

// BeginStreaming transitions Requesting → Streaming on the first fragment.
func (s *Session) BeginStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRequesting {
		return fmt.Errorf("begin streaming: session in phase %d, want requesting", s.phase)
	}
	s.phase = PhaseStreaming
	return nil
}

// End returns the session to Idle from any phase. Valid for all terminal
// outcomes: completed, cancelled, failed.
func (s *Session) End() {
	s.mu.Lock()
	s.phase = PhaseIdle
	var id string
	if s.thread != nil {
		id = s.thread.ID
	}
	s.mu.Unlock()
	s.notify(id)
}

// IsLoading reports true strictly between request-sent and first-fragment.
func (s *Session) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhaseRequesting
}

// IsStreaming reports true from request-sent until the stream ends.
func (s *Session) IsStreaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhaseRequesting || s.phase == PhaseStreaming
}

// Snapshot returns a copy of the visible state for rendering.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		IsLoading:   s.phase == PhaseRequesting,
		IsStreaming: s.phase == PhaseRequesting || s.phase == PhaseStreaming,
	}
	if s.thread != nil {
		snap.ThreadID = s.thread.ID
		snap.Title = s.thread.Title
		snap.Messages = append([]domain.Message(nil), s.thread.Messages...)
	}
	return snap
}

// ThreadCopy returns a deep copy of the active thread for committing, or nil
// in the new-chat state.
func (s *Session) ThreadCopy() *domain.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.thread == nil {
		return nil
	}
	cp := *s.thread
	cp.Messages = append([]domain.Message(nil), s.thread.Messages...)
	return &cp
}

// Touch bumps the active thread's UpdatedAt and returns the updated metadata
// for the sidebar. UpdatedAt never moves backwards.
func (s *Session) Touch(now time.Time) (domain.Thread, error) {
	s.mu.Lock()
	if s.thread == nil {
		s.mu.Unlock()
		return domain.Thread{}, ErrNoActiveThread
	}
	if now.After(s.thread.UpdatedAt) {
		s.thread.UpdatedAt = now
	}
	meta := s.thread.Meta()
	s.mu.Unlock()
	s.notify(meta.ID)
	return meta, nil
}

// notify fans the thread ID out to subscribers, dropping when a subscriber is
// not consuming fast enough.
func (s *Session) notify(id string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- id:
		default:
		}
	}
}

// Subscribe returns a channel that emits the active thread's ID whenever the
// visible state changes.
func (s *Session) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}
