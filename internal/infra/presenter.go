package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// Surface names written by SurfacePresenter.
const (
	SurfaceBlock   = "block"
	SurfacePin     = "pin"
	SurfaceSession = "session"
)

// SurfaceRequest is the record a UI shell polls to learn what to bring forward.
type SurfaceRequest struct {
	Surface     string    `json:"surface"`
	Target      string    `json:"target,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// SurfacePresenter hands enforcement surfaces to an external UI by atomically
// replacing a small JSON file, and logs every request.
// An empty path only logs.
type SurfacePresenter struct {
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// NewSurfacePresenter creates a presenter writing to path.
func NewSurfacePresenter(path string, logger *zap.Logger) *SurfacePresenter {
	return &SurfacePresenter{path: path, logger: logger, now: time.Now}
}

// ShowBlock requests the block surface for target.
func (p *SurfacePresenter) ShowBlock(ctx context.Context, target domain.AppID) error {
	p.logger.Info("showing block surface", zap.String("target", string(target)))
	return p.write(SurfaceRequest{Surface: SurfaceBlock, Target: string(target)})
}

// ShowPinPrompt requests the PIN surface.
func (p *SurfacePresenter) ShowPinPrompt(ctx context.Context, reason domain.PinReason) error {
	p.logger.Info("showing pin surface", zap.String("reason", string(reason)))
	return p.write(SurfaceRequest{Surface: SurfacePin, Reason: string(reason)})
}

// ShowSession brings the focus session surface back.
func (p *SurfacePresenter) ShowSession(ctx context.Context) error {
	p.logger.Info("showing session surface")
	return p.write(SurfaceRequest{Surface: SurfaceSession})
}

func (p *SurfacePresenter) write(req SurfaceRequest) error {
	if p.path == "" {
		return nil
	}
	req.RequestedAt = p.now()
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(p.path, data, 0600); err != nil {
		return fmt.Errorf("failed to publish surface request: %w", err)
	}
	return nil
}

var _ domain.Presenter = (*SurfacePresenter)(nil)
