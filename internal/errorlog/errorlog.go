// Package errorlog records uncaught tenant faults in the master database and
// mirrors them to the structured logger.
package errorlog

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/leapstack-labs/tenantrt/pkg/core"
)

// Default caps applied to logged entries, in characters.
const (
	DefaultMessageCap = 500
	DefaultDetailsCap = 10000
)

// NoMessage replaces an empty fault message.
const NoMessage = "<no-message>"

// Store persists error-log entries.
type Store interface {
	SaveErrorLog(ctx context.Context, entry *core.ErrorLog) error
	ListErrorLogs(ctx context.Context, tenantID string, limit int) ([]*core.ErrorLog, error)
}

// Config holds service settings.
type Config struct {
	// Store may be nil, in which case entries only go to the logger.
	Store      Store
	Logger     *slog.Logger
	MessageCap int
	DetailsCap int
}

// Service is the error-log collaborator.
type Service struct {
	store      Store
	logger     *slog.Logger
	messageCap int
	detailsCap int
}

// New creates an error-log service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	messageCap := cfg.MessageCap
	if messageCap <= 0 {
		messageCap = DefaultMessageCap
	}
	detailsCap := cfg.DetailsCap
	if detailsCap <= 0 {
		detailsCap = DefaultDetailsCap
	}
	return &Service{
		store:      cfg.Store,
		logger:     logger,
		messageCap: messageCap,
		detailsCap: detailsCap,
	}
}

// Log caps, persists and mirrors one entry. The entry is modified in place.
func (s *Service) Log(ctx context.Context, entry *core.ErrorLog) error {
	if entry.Message == "" {
		entry.Message = NoMessage
	}
	if entry.Severity == "" {
		entry.Severity = core.ErrorSeverityError
	}
	entry.Message = truncate(entry.Message, s.messageCap)
	entry.Details = truncate(entry.Details, s.detailsCap)

	s.logger.Log(ctx, level(entry.Severity), entry.Message,
		"tenant", entry.TenantID,
		"severity", string(entry.Severity),
		"class", entry.CodeClass,
		"line", entry.CodeLine,
		"user", entry.UserID,
	)

	if s.store == nil {
		return nil
	}
	if err := s.store.SaveErrorLog(ctx, entry); err != nil {
		s.logger.Warn("failed to persist error log", "tenant", entry.TenantID, "error", err)
		return fmt.Errorf("failed to persist error log: %w", err)
	}
	return nil
}

// List returns the newest entries of a tenant.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*core.ErrorLog, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListErrorLogs(ctx, tenantID, limit)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func level(sev core.ErrorSeverity) slog.Level {
	switch sev {
	case core.ErrorSeverityInfo:
		return slog.LevelInfo
	case core.ErrorSeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
