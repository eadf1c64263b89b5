// Package recovery restores engine state after a restart. Components register
// recovery logic with a RecoveryManager, which runs it once at startup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/GuardianPipe/internal/models"
	"github.com/BTreeMap/GuardianPipe/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoverableFunc adapts a function to Recoverable.
type RecoverableFunc func(ctx context.Context, registry *RecoveryRegistry) error

func (f RecoverableFunc) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	return f(ctx, registry)
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	docs *store.Documents

	sessionRecoveryFunc func(context.Context, models.CircleSession) error
}

// NewRecoveryRegistry creates a new recovery registry
func NewRecoveryRegistry(docs *store.Documents) *RecoveryRegistry {
	return &RecoveryRegistry{docs: docs}
}

// RegisterSessionRecovery registers the callback that resumes an emergency circle session
func (r *RecoveryRegistry) RegisterSessionRecovery(fn func(context.Context, models.CircleSession) error) {
	r.sessionRecoveryFunc = fn
}

// RecoverSession requests recovery of an emergency circle session
func (r *RecoveryRegistry) RecoverSession(ctx context.Context, session models.CircleSession) error {
	if r.sessionRecoveryFunc == nil {
		return fmt.Errorf("no session recovery handler registered")
	}
	return r.sessionRecoveryFunc(ctx, session)
}

// Documents provides access to persisted state for recovery operations
func (r *RecoveryRegistry) Documents() *store.Documents {
	return r.docs
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(docs *store.Documents) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(docs),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RegisterSessionRecovery registers the session recovery infrastructure
func (rm *RecoveryManager) RegisterSessionRecovery(fn func(context.Context, models.CircleSession) error) {
	rm.registry.RegisterSessionRecovery(fn)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
