package domain

import "time"

// Role defines the author of a message.
type Role string

const (
	// RoleUser indicates a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a reply from the model.
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation. While an assistant turn is still
// streaming, Content holds whatever has accumulated so far; once the turn
// reaches a terminal state it is never mutated again.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// IsError marks a failed assistant turn. Set at most once, never cleared.
	IsError bool `json:"is_error,omitempty"`
}

// Thread is a single persisted conversation. It exclusively owns its
// messages, ordered by arrival.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is bumped whenever a message is appended to the thread and is
	// the sort/group key for the sidebar. Monotonically non-decreasing.
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

// TitleMaxLen is the number of characters of the first user message kept as
// the thread title.
const TitleMaxLen = 50

// TitleFromText derives a thread title from the first user message.
func TitleFromText(text string) string {
	runes := []rune(text)
	if len(runes) > TitleMaxLen {
		runes = runes[:TitleMaxLen]
	}
	title := string(runes)
	if title == "" {
		title = "New Chat"
	}
	return title
}

// Meta returns a copy of the thread's metadata with the message list
// stripped. The sidebar works on these so that message churn never reaches it.
func (t *Thread) Meta() Thread {
	return Thread{
		ID:        t.ID,
		Title:     t.Title,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}
