package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/plangate/internal/audit"
	"github.com/ppiankov/plangate/internal/history"
)

// sinks are the run recorders named by the settings. Nil when not configured.
type sinks struct {
	audit   *audit.Log
	history *history.Store
}

func openSinks(ctx context.Context) (*sinks, error) {
	s := &sinks{}
	if settings.AuditLog != "" {
		l, err := audit.Open(settings.AuditLog)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		s.audit = l
	}
	if settings.HistoryDSN != "" {
		h, err := history.Open(ctx, settings.HistoryDriver, settings.HistoryDSN)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		s.history = h
	}
	return s, nil
}

func (s *sinks) Close() error {
	var errs []error
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	return errors.Join(errs...)
}

func openHistory(ctx context.Context) (*history.Store, error) {
	if settings.HistoryDSN == "" {
		return nil, errors.New("no history store configured (use --history-dsn or PLANGATE_HISTORY_DSN)")
	}
	return history.Open(ctx, settings.HistoryDriver, settings.HistoryDSN)
}
