// Package push delivers mention notifications to Lark. Delivery is
// fire-and-forget: a failed send is logged and dropped, never retried
// into the user's face twice.
package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkIm "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/messaging"
)

// Config holds the Lark application credentials.
type Config struct {
	Enabled    bool
	AppID      string
	AppSecret  string
	APITimeout time.Duration
}

// sender is the one SDK call the notifier makes, held behind an
// interface so tests do not talk to Lark.
type sender interface {
	send(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error)
}

// Notifier turns mention payloads into Lark direct messages.
type Notifier struct {
	db     *sql.DB
	sender sender
	logger *zap.Logger
	cfg    Config
}

// NewNotifier creates the notifier. With Enabled false every delivery
// is a logged no-op, which keeps local development quiet.
func NewNotifier(db *sql.DB, cfg Config, logger *zap.Logger) *Notifier {
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 10 * time.Second
	}
	n := &Notifier{db: db, cfg: cfg, logger: logger}
	if cfg.Enabled {
		n.sender = &larkSender{
			client: lark.NewClient(cfg.AppID, cfg.AppSecret,
				lark.WithLogLevel(larkcore.LogLevelWarn),
				lark.WithEnableTokenCache(true),
			),
		}
	}
	return n
}

// NotifyMention is the notify_mention job handler. It never returns a
// retryable error: push is best-effort by contract.
func (n *Notifier) NotifyMention(ctx context.Context, payload interface{}) error {
	p, ok := payload.(messaging.MentionPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", payload)
	}
	if n.sender == nil {
		n.logger.Debug("push disabled, dropping mention notification",
			zap.String("user_id", p.UserID))
		return nil
	}

	email, err := n.userEmail(ctx, p.UserID)
	if err != nil || email == "" {
		n.logger.Warn("no deliverable address for mention",
			zap.String("user_id", p.UserID), zap.Error(err))
		return nil
	}

	content, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("You were mentioned in %s: %s", p.ChannelKey, p.Body),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.APITimeout)
	defer cancel()
	if _, err := n.sender.send(ctx, "email", email, "text", string(content)); err != nil {
		n.logger.Warn("mention push failed, dropping",
			zap.String("user_id", p.UserID), zap.Error(err))
	}
	return nil
}

func (n *Notifier) userEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := n.db.QueryRowContext(ctx,
		`SELECT email FROM users WHERE id = ?`, userID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return email, err
}

// larkSender is the real SDK-backed sender.
type larkSender struct {
	client *lark.Client
}

func (s *larkSender) send(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	req := larkIm.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkIm.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := s.client.Im.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if !resp.Success() {
		return "", fmt.Errorf("lark API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data != nil && resp.Data.MessageId != nil {
		return *resp.Data.MessageId, nil
	}
	return "", nil
}
