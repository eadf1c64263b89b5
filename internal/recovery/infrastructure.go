package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// SessionResumer restarts a persisted emergency circle session.
type SessionResumer interface {
	Resume(ctx context.Context, session models.CircleSession) bool
}

// SessionRecoveryHandler provides the callback for session recovery infrastructure
func SessionRecoveryHandler(resumer SessionResumer) func(context.Context, models.CircleSession) error {
	return func(ctx context.Context, session models.CircleSession) error {
		slog.Info("Recovering emergency circle session",
			"startedAt", session.StartedAt,
			"lastUpdate", session.LastUpdate,
			"contacts", len(session.Contacts))

		if !resumer.Resume(ctx, session) {
			slog.Warn("Emergency circle session not resumed, a session is already running")
		}
		return nil
	}
}

// CircleSessionRecovery resumes the persisted circle session when it was active at shutdown.
type CircleSessionRecovery struct{}

func (CircleSessionRecovery) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	docs := registry.Documents()
	if docs == nil {
		return nil
	}
	session, ok, err := docs.CircleSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to load circle session: %w", err)
	}
	if !ok || !session.Active {
		slog.Debug("No active emergency circle session to recover")
		return nil
	}
	return registry.RecoverSession(ctx, session)
}

// HistoryRestorer reloads persisted alert history.
type HistoryRestorer interface {
	Restore(ctx context.Context) error
}

// HistoryRecovery wraps a HistoryRestorer as a Recoverable.
func HistoryRecovery(h HistoryRestorer) Recoverable {
	return RecoverableFunc(func(ctx context.Context, _ *RecoveryRegistry) error {
		if err := h.Restore(ctx); err != nil {
			return fmt.Errorf("failed to restore alert history: %w", err)
		}
		return nil
	})
}
