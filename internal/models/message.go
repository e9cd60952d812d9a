package models

import "time"

// Message is a chat message on a channel. Channels are addressed by a
// synthetic key "type:scope_id" (e.g. "project:42").
type Message struct {
	ID         string            `json:"id"`
	ChannelKey string            `json:"channel_key"`
	AuthorID   string            `json:"author_id"` // may be a bot identity
	Body       string            `json:"body"`
	BlocksJSON string            `json:"blocks,omitempty"` // rendered card/buttons/attachments
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReplyToID  string            `json:"reply_to_id,omitempty"`
	Deleted    bool              `json:"deleted"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Reaction is one emoji reaction by one user.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Mention records an @-mention for notification fan-out.
type Mention struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// UnreadCount is the per-channel unread tally for one user.
type UnreadCount struct {
	ChannelKey string `json:"channel_key"`
	Count      int    `json:"count"`
}
