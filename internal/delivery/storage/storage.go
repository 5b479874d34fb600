// Package storage files received messages into user mailboxes.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"rook/internal/auth"
	"rook/internal/delivery/config"
	"rook/internal/delivery/parser"
	"rook/internal/mailbox"
)

// UserDirectory reports whether a mailbox owner has an account.
type UserDirectory interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

// Storage appends delivered messages through the mailbox manager, so open
// IMAP sessions see them as EXISTS/RECENT updates.
type Storage struct {
	manager *mailbox.Manager
	cfg     config.DeliveryConfig
	users   UserDirectory
	logger  log.Logger
}

type Option func(*Storage)

// WithUserDirectory enables CheckRecipientExists. Without a directory every
// recipient is considered to exist.
func WithUserDirectory(d UserDirectory) Option {
	return func(s *Storage) { s.users = d }
}

func WithLogger(logger log.Logger) Option {
	return func(s *Storage) { s.logger = logger }
}

// NewStorage creates a new storage handler
func NewStorage(manager *mailbox.Manager, cfg config.DeliveryConfig, opts ...Option) *Storage {
	s := &Storage{
		manager: manager,
		cfg:     cfg,
		logger:  log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MailboxUser maps a recipient address to the owner of its mailboxes.
func (s *Storage) MailboxUser(recipient string) (string, error) {
	local, err := parser.ExtractLocalPart(recipient)
	if err != nil {
		return "", err
	}
	if local == "" {
		return "", fmt.Errorf("empty local part: %s", recipient)
	}
	if s.cfg.StripDomain {
		return auth.NormalizeUsername(local), nil
	}
	return auth.NormalizeUsername(recipient), nil
}

// DeliverMessage appends msg to folder of the recipient, creating the
// recipient's default mailboxes and the folder when missing. Mail flagged
// by an upstream spam filter goes to the spam folder instead.
func (s *Storage) DeliverMessage(ctx context.Context, recipient, sender string, msg *parser.Message, folder string) error {
	user, err := s.MailboxUser(recipient)
	if err != nil {
		return fmt.Errorf("failed to extract username: %w", err)
	}

	if s.cfg.SpamFolder != "" && IsSpam(msg) {
		level.Info(s.logger).Log("msg", "routing to spam folder", "recipient", recipient, "folder", s.cfg.SpamFolder)
		folder = s.cfg.SpamFolder
	}

	session := s.manager.SystemSession(user)
	if err := s.manager.ProvisionDefaults(ctx, session); err != nil {
		return fmt.Errorf("failed to provision mailboxes: %w", err)
	}

	p := mailbox.NewPath(user, folder)
	if err := s.manager.EnsureMailbox(ctx, session, p); err != nil {
		return fmt.Errorf("failed to create mailbox: %w", err)
	}
	mm, err := s.manager.GetMailbox(ctx, session, p)
	if err != nil {
		return fmt.Errorf("failed to open mailbox: %w", err)
	}

	content := parser.AddTraceHeaders(msg.Raw, sender, recipient)
	uid, _, err := mm.AppendMessage(ctx, session, content, time.Time{}, mailbox.Flags{})
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}

	level.Debug(s.logger).Log("msg", "message stored", "user", user, "mailbox", p.Name, "uid", uid)
	return nil
}

// DeliverToMultipleRecipients delivers msg to every recipient and reports
// the outcome per recipient.
func (s *Storage) DeliverToMultipleRecipients(ctx context.Context, recipients []string, sender string, msg *parser.Message, folder string) map[string]error {
	results := make(map[string]error, len(recipients))
	for _, recipient := range recipients {
		results[recipient] = s.DeliverMessage(ctx, recipient, sender, msg, folder)
	}
	return results
}

// CheckRecipientExists checks if a recipient email address is valid for delivery
func (s *Storage) CheckRecipientExists(ctx context.Context, recipient string) (bool, error) {
	user, err := s.MailboxUser(recipient)
	if err != nil {
		return false, err
	}
	if s.users == nil {
		return true, nil
	}
	return s.users.UserExists(ctx, user)
}

// IsSpam reports whether an upstream filter marked msg as spam, either by
// an rspamd action or a SpamAssassin status.
func IsSpam(msg *parser.Message) bool {
	switch strings.ToLower(strings.TrimSpace(msg.Header("X-Rspamd-Action"))) {
	case "reject", "add header", "rewrite subject":
		return true
	}
	status := strings.ToLower(strings.TrimSpace(msg.Header("X-Spam-Status")))
	return strings.HasPrefix(status, "yes")
}
