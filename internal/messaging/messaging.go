// Package messaging is the chat substrate: channels addressed by
// "type:scope_id", messages with rendered blocks and metadata,
// reactions, threads, mentions and per-user read status. Mention
// notifications fan out to push through the job queue.
package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/pkg/utils"
)

// mentionRe finds @user-id tokens in a message body.
var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_\-]+)`)

// jobScheduler queues the push fan-out off the posting path.
type jobScheduler interface {
	Enqueue(name string, payload interface{})
}

// MentionPayload is the notify_mention job payload.
type MentionPayload struct {
	MessageID  string `json:"message_id"`
	ChannelKey string `json:"channel_key"`
	UserID     string `json:"user_id"`
	AuthorID   string `json:"author_id"`
	Body       string `json:"body"`
}

// Store owns channels, messages and their read state.
type Store struct {
	db     *sql.DB
	jobs   jobScheduler
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates the messaging store.
func NewStore(db *sql.DB, jobs jobScheduler, logger *zap.Logger) *Store {
	return &Store{db: db, jobs: jobs, logger: logger, now: time.Now}
}

// EnsureChannel creates the channel row when it does not exist yet.
// The key is "type:scope_id".
func (s *Store) EnsureChannel(ctx context.Context, key string) error {
	typ, scope, ok := splitChannelKey(key)
	if !ok {
		return apperr.Newf(apperr.KindValidation, "channel key %q is not type:scope_id", key)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO channels (key, type, scope_id) VALUES (?, ?, ?)`,
		key, typ, scope)
	if err != nil {
		return fmt.Errorf("failed to ensure channel: %w", err)
	}
	return nil
}

func splitChannelKey(key string) (string, string, bool) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Post writes a message and fans out mention notifications.
func (s *Store) Post(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.Body == "" && msg.BlocksJSON == "" {
		return nil, apperr.New(apperr.KindValidation, "message needs a body or blocks")
	}
	if msg.AuthorID == "" {
		return nil, apperr.New(apperr.KindValidation, "author_id is required")
	}
	if err := s.EnsureChannel(ctx, msg.ChannelKey); err != nil {
		return nil, err
	}
	if msg.ReplyToID != "" {
		parent, err := s.Get(ctx, msg.ReplyToID)
		if err != nil {
			return nil, err
		}
		if parent.ChannelKey != msg.ChannelKey {
			return nil, apperr.New(apperr.KindValidation, "reply must stay in the parent's channel")
		}
	}

	msg.ID = uuid.NewString()
	msg.Body = utils.SanitizeString(msg.Body)
	metadata := ""
	if len(msg.Metadata) > 0 {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = string(encoded)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_key, author_id, body, blocks_json, metadata_json, reply_to_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelKey, msg.AuthorID, msg.Body, msg.BlocksJSON, metadata, msg.ReplyToID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	for _, userID := range extractMentions(msg.Body) {
		if userID == msg.AuthorID {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO message_mentions (message_id, user_id) VALUES (?, ?)`,
			msg.ID, userID); err != nil {
			s.logger.Warn("failed to record mention", zap.Error(err))
			continue
		}
		if s.jobs != nil {
			s.jobs.Enqueue("notify_mention", MentionPayload{
				MessageID: msg.ID, ChannelKey: msg.ChannelKey,
				UserID: userID, AuthorID: msg.AuthorID, Body: msg.Body,
			})
		}
	}
	return s.Get(ctx, msg.ID)
}

// PostSystemMessage posts a plain bot message into a channel. Digest
// and agent output lands here.
func (s *Store) PostSystemMessage(ctx context.Context, channelKey, body string) error {
	_, err := s.Post(ctx, &models.Message{
		ChannelKey: channelKey,
		AuthorID:   "bot:system",
		Body:       body,
	})
	return err
}

func extractMentions(body string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range mentionRe.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Get loads one message, including soft-deleted ones (history readers
// decide what to show).
func (s *Store) Get(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_key, author_id, body, blocks_json, metadata_json, reply_to_id, deleted, created_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "message %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return msg, nil
}

func scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var m models.Message
	var metadata string
	var deleted int
	err := row.Scan(&m.ID, &m.ChannelKey, &m.AuthorID, &m.Body, &m.BlocksJSON,
		&metadata, &m.ReplyToID, &deleted, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Deleted = deleted != 0
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
	}
	return &m, nil
}

// History returns the most recent messages of a channel, oldest first,
// excluding soft-deleted rows.
func (s *Store) History(ctx context.Context, channelKey string, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_key, author_id, body, blocks_json, metadata_json, reply_to_id, deleted, created_at
		FROM messages WHERE channel_key = ? AND deleted = 0
		ORDER BY created_at DESC, id DESC LIMIT ?`, channelKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first query for the LIMIT, oldest-first for the reader.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Thread returns a parent message and its replies, oldest first.
func (s *Store) Thread(ctx context.Context, parentID string) ([]*models.Message, error) {
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_key, author_id, body, blocks_json, metadata_json, reply_to_id, deleted, created_at
		FROM messages WHERE reply_to_id = ? AND deleted = 0
		ORDER BY created_at, id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}
	defer rows.Close()

	out := []*models.Message{parent}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reply: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete soft-deletes a message. Only the author may delete.
func (s *Store) Delete(ctx context.Context, actor, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.AuthorID != actor {
		return apperr.New(apperr.KindUnauthorized, "only the author can delete a message")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// React adds an emoji reaction; reacting twice with the same emoji is
// a no-op.
func (s *Store) React(ctx context.Context, userID, messageID, emoji string) error {
	if emoji == "" {
		return apperr.New(apperr.KindValidation, "emoji is required")
	}
	if _, err := s.Get(ctx, messageID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reactions (message_id, user_id, emoji) VALUES (?, ?, ?)`,
		messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}

// Unreact removes a reaction; removing a missing one is a no-op.
func (s *Store) Unreact(ctx context.Context, userID, messageID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	return nil
}

// Reactions lists the reactions on a message.
func (s *Store) Reactions(ctx context.Context, messageID string) ([]models.Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM message_reactions
		WHERE message_id = ? ORDER BY created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	defer rows.Close()

	var out []models.Reaction
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRead stamps the user's read position for a channel.
func (s *Store) MarkRead(ctx context.Context, userID, channelKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_read_status (channel_key, user_id, last_read_at)
		VALUES (?, ?, ?)
		ON CONFLICT (channel_key, user_id) DO UPDATE SET last_read_at = excluded.last_read_at`,
		channelKey, userID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark channel read: %w", err)
	}
	// Mentions in this channel are read too.
	_, err = s.db.ExecContext(ctx, `
		UPDATE message_mentions SET read = 1
		WHERE user_id = ? AND message_id IN (SELECT id FROM messages WHERE channel_key = ?)`,
		userID, channelKey)
	if err != nil {
		return fmt.Errorf("failed to clear mentions: %w", err)
	}
	return nil
}

// UnreadCounts tallies unread messages per channel for a user.
// Soft-deleted messages and the user's own never count.
func (s *Store) UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.channel_key, COUNT(1)
		FROM messages m
		LEFT JOIN channel_read_status rs ON rs.channel_key = m.channel_key AND rs.user_id = ?
		WHERE m.deleted = 0 AND m.author_id != ?
		  AND (rs.last_read_at IS NULL OR m.created_at > rs.last_read_at)
		GROUP BY m.channel_key
		ORDER BY m.channel_key`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}
	defer rows.Close()

	var out []models.UnreadCount
	for rows.Next() {
		var c models.UnreadCount
		if err := rows.Scan(&c.ChannelKey, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UnreadMentions lists the user's unread mentions, newest first.
func (s *Store) UnreadMentions(ctx context.Context, userID string) ([]models.Mention, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, user_id, read, created_at FROM message_mentions
		WHERE user_id = ? AND read = 0 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mentions: %w", err)
	}
	defer rows.Close()

	var out []models.Mention
	for rows.Next() {
		var m models.Mention
		var read int
		if err := rows.Scan(&m.ID, &m.MessageID, &m.UserID, &read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mention: %w", err)
		}
		m.Read = read != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
