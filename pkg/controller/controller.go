// Package controller drives one generation request from submission to
// commit: it opens the stream against the remote generator, relays fragments
// into the session, supports cooperative cancellation, and commits the final
// message list to the store on every terminal outcome.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/gemchat/pkg/directory"
	"github.com/nstogner/gemchat/pkg/domain"
	"github.com/nstogner/gemchat/pkg/generator"
	"github.com/nstogner/gemchat/pkg/session"
	"github.com/nstogner/gemchat/pkg/store"
)

// ErrStreamInProgress indicates a send (or a thread switch) was attempted
// while another send is outstanding. At most one generation request is
// allowed per session; callers stop the in-flight one first.
var ErrStreamInProgress = errors.New("a response is still streaming")

// ErrEmptyMessage indicates a send with no text.
var ErrEmptyMessage = errors.New("empty message")

// errorReplyText is the fixed assistant turn written when generation fails.
const errorReplyText = "Sorry, I encountered an error."

// Controller owns the lifecycle of one outstanding generation request.
type Controller struct {
	sess     *session.Session
	threads  store.ThreadStore
	dir      *directory.Directory
	provider generator.Provider

	mu       sync.Mutex
	inflight bool
	cancel   context.CancelFunc
}

// New creates a Controller. The session, store, and directory are shared with
// the presentation layer; the controller is the only writer to the store for
// the active thread.
func New(sess *session.Session, threads store.ThreadStore, dir *directory.Directory, provider generator.Provider) *Controller {
	return &Controller{
		sess:     sess,
		threads:  threads,
		dir:      dir,
		provider: provider,
	}
}

// Send submits user text. If no thread is active one is minted synchronously
// (title = the first 50 characters of the text) and becomes active before the
// request is issued; the returned ID is the active thread's. The user message
// is appended and the thread's UpdatedAt bumped eagerly, before any fragment
// arrives, so sidebar ordering reflects activity immediately.
//
// The stream is consumed on a separate goroutine. The done channel receives
// exactly one value at the terminal state: nil when the final transcript was
// committed (completion and cancellation both count), or the commit/setup
// error. A concurrent send is rejected with ErrStreamInProgress.
func (c *Controller) Send(ctx context.Context, text string) (string, <-chan error, error) {
	if text == "" {
		return "", nil, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.inflight {
		c.mu.Unlock()
		return "", nil, ErrStreamInProgress
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.inflight = true
	c.cancel = cancel
	c.mu.Unlock()

	now := time.Now()
	threadID := c.sess.ThreadID()
	if threadID == "" {
		t := &domain.Thread{
			ID:        uuid.NewString(),
			Title:     domain.TitleFromText(text),
			CreatedAt: now,
			UpdatedAt: now,
		}
		threadID = t.ID
		c.sess.Attach(t)
		c.dir.Upsert(*t)
		slog.Debug("Created thread", "threadID", threadID, "title", t.Title)
	} else {
		meta, err := c.sess.Touch(now)
		if err != nil {
			c.release()
			return "", nil, err
		}
		c.dir.Upsert(meta)
	}

	if err := c.sess.AppendMessage(domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   text,
		Timestamp: now,
	}); err != nil {
		c.release()
		return "", nil, err
	}
	if err := c.sess.BeginRequest(); err != nil {
		c.release()
		return "", nil, err
	}

	history := historyFromSnapshot(c.sess.Snapshot())

	done := make(chan error, 1)
	go c.run(streamCtx, threadID, history, done)
	return threadID, done, nil
}

// Stop requests cancellation of the in-flight stream. Calling it when nothing
// is streaming is a no-op, and calling it twice has the same effect as once.
// At most one fragment already in flight may still be applied; whatever
// content has accumulated is treated as final and committed.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Streaming reports whether a send is outstanding.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Select makes the given thread active (empty ID = new-chat state). Rejected
// while a send is outstanding: the stream writes into the active thread.
func (c *Controller) Select(ctx context.Context, id string) error {
	if c.Streaming() {
		return ErrStreamInProgress
	}
	return c.sess.Select(ctx, id)
}

// Delete removes a thread and its messages from the store and the sidebar.
// If it was the active thread, the session clears to the new-chat state.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if c.Streaming() {
		return ErrStreamInProgress
	}
	if err := c.threads.Delete(ctx, id); err != nil {
		return err
	}
	c.dir.Remove(id)
	if c.sess.ThreadID() == id {
		return c.sess.Select(ctx, "")
	}
	return nil
}

// run consumes the stream to a terminal state. All session mutation happens
// here, on this goroutine.
func (c *Controller) run(ctx context.Context, threadID string, history []generator.Turn, done chan<- error) {
	var commitErr error
	defer func() {
		c.sess.End()
		c.release()
		done <- commitErr
		close(done)
	}()

	stream, err := c.provider.Stream(ctx, history)
	if err != nil {
		slog.Error("Opening stream failed", "threadID", threadID, "error", err)
		c.failTranscript(false)
		commitErr = c.commit()
		return
	}
	defer stream.Close()

	var accumulated string
	gotFirst := false
	for {
		frag, err := stream.Next()
		switch {
		case errors.Is(err, generator.Done):
			slog.Debug("Stream completed", "threadID", threadID, "chars", len(accumulated))
			commitErr = c.commit()
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			slog.Debug("Stream cancelled", "threadID", threadID, "chars", len(accumulated))
			commitErr = c.commit()
			return
		case err != nil:
			slog.Error("Stream failed", "threadID", threadID, "error", err)
			c.failTranscript(gotFirst)
			commitErr = c.commit()
			return
		}

		accumulated += frag
		if !gotFirst {
			gotFirst = true
			if err := c.sess.BeginStreaming(); err != nil {
				slog.Error("Phase transition failed", "error", err)
			}
			c.sess.AppendMessage(domain.Message{
				ID:        uuid.NewString(),
				Role:      domain.RoleAssistant,
				Content:   accumulated,
				Timestamp: time.Now(),
			})
		} else {
			c.sess.ReplaceLastContent(accumulated)
		}

		// The cancellation signal and fragment delivery are not atomic: the
		// fragment just applied may have landed after Stop was called. Check
		// here so no further fragment is applied.
		if ctx.Err() != nil {
			slog.Debug("Stream cancelled", "threadID", threadID, "chars", len(accumulated))
			commitErr = c.commit()
			return
		}
	}
}

// failTranscript replaces the accumulated assistant content with the fixed
// error reply and flags it, appending the turn first if none exists yet. The
// thread is never left with a silently truncated message.
func (c *Controller) failTranscript(hasAssistantTail bool) {
	if !hasAssistantTail {
		c.sess.AppendMessage(domain.Message{
			ID:        uuid.NewString(),
			Role:      domain.RoleAssistant,
			Content:   errorReplyText,
			Timestamp: time.Now(),
			IsError:   true,
		})
		return
	}
	c.sess.ReplaceLastContent(errorReplyText)
	c.sess.MarkLastError()
}

// commit durably saves the active thread's full message list. Runs on a
// fresh context: the stream context may already be cancelled, but the commit
// must still happen.
func (c *Controller) commit() error {
	t := c.sess.ThreadCopy()
	if t == nil {
		return session.ErrNoActiveThread
	}
	if err := c.threads.Save(context.Background(), t); err != nil {
		// In-memory state stays authoritative; the caller informs the user
		// that persistence did not occur.
		slog.Error("Commit failed", "threadID", t.ID, "error", err)
		return fmt.Errorf("commit thread: %w", err)
	}
	slog.Debug("Committed thread", "threadID", t.ID, "messages", len(t.Messages))
	return nil
}

// release clears the in-flight marker and the cancellation handle.
func (c *Controller) release() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.inflight = false
	c.mu.Unlock()
}

func historyFromSnapshot(snap session.Snapshot) []generator.Turn {
	turns := make([]generator.Turn, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		role := generator.RoleUser
		if m.Role == domain.RoleAssistant {
			role = generator.RoleAssistant
		}
		turns = append(turns, generator.Turn{Role: role, Content: m.Content})
	}
	return turns
}
