// Package usecase contains application business logic.
package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// EnforcementResult records what one decision caused.
type EnforcementResult struct {
	Decision   domain.Decision
	Target     domain.AppID
	KilledPIDs []int
	Errors     []error
	ExecutedAt time.Time
	DurationMs int64
}

// Enforcer carries out monitor decisions: it closes the offending process
// on a redirect and brings the matching enforcement surface to the front.
type Enforcer struct {
	processManager domain.ProcessManager
	presenter      domain.Presenter
	killTargets    bool
	logger         *zap.Logger
}

// NewEnforcer creates a new enforcer. With killTargets unset only the
// surfaces are shown.
func NewEnforcer(pm domain.ProcessManager, presenter domain.Presenter, killTargets bool, logger *zap.Logger) *Enforcer {
	return &Enforcer{
		processManager: pm,
		presenter:      presenter,
		killTargets:    killTargets,
		logger:         logger,
	}
}

// Apply enforces one outcome. Allow needs no action.
func (e *Enforcer) Apply(ctx context.Context, out Outcome) EnforcementResult {
	start := time.Now()
	result := EnforcementResult{
		Decision:   out.Decision,
		Target:     out.Event.TargetID,
		KilledPIDs: make([]int, 0),
		Errors:     make([]error, 0),
		ExecutedAt: start,
	}

	var err error
	switch out.Decision.Kind {
	case domain.DecisionAllow:
		return result
	case domain.DecisionRedirectToBlock:
		e.terminate(&result)
		err = e.presenter.ShowBlock(ctx, out.Decision.Target)
	case domain.DecisionRedirectToPin:
		e.terminate(&result)
		err = e.presenter.ShowPinPrompt(ctx, out.Decision.Reason)
	case domain.DecisionForceKiosk:
		// Kiosk targets are whatever came to the front, so nothing is killed.
		err = e.presenter.ShowSession(ctx)
	}
	if err != nil {
		e.logger.Warn("failed to present surface",
			zap.Stringer("decision", out.Decision),
			zap.Error(err))
		result.Errors = append(result.Errors, err)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	e.logger.Info("enforced",
		zap.String("target", string(result.Target)),
		zap.Stringer("decision", out.Decision),
		zap.Ints("killed", result.KilledPIDs))
	return result
}

// terminate kills the processes behind the event target, never ourselves.
func (e *Enforcer) terminate(result *EnforcementResult) {
	if !e.killTargets || result.Target == "" {
		return
	}

	pids, err := e.processManager.FindByName(string(result.Target))
	if err != nil {
		e.logger.Warn("failed to find processes",
			zap.String("target", string(result.Target)),
			zap.Error(err))
		result.Errors = append(result.Errors, err)
		return
	}

	self := e.processManager.GetCurrentPID()
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if err := e.processManager.Kill(pid); err != nil {
			e.logger.Warn("failed to kill process",
				zap.Int("pid", pid),
				zap.Error(err))
			result.Errors = append(result.Errors, err)
			continue
		}
		result.KilledPIDs = append(result.KilledPIDs, pid)
	}
}
