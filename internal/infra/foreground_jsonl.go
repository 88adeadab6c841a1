package infra

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BAAR12/FocusGuard-By-TEAM-Naong/internal/domain"
)

// maxEventLine bounds a single JSON line from the OS hook.
const maxEventLine = 64 * 1024

// JSONLinesSource reads foreground events, one JSON object per line, from an
// external OS hook (a pipe, a FIFO or stdin). Malformed lines are logged and skipped.
type JSONLinesSource struct {
	r      io.Reader
	logger *zap.Logger
	events chan domain.ForegroundEvent
	now    func() time.Time
}

// NewJSONLinesSource wraps r.
func NewJSONLinesSource(r io.Reader, logger *zap.Logger) *JSONLinesSource {
	return &JSONLinesSource{
		r:      r,
		logger: logger,
		events: make(chan domain.ForegroundEvent, 64),
		now:    time.Now,
	}
}

// OpenJSONLinesSource opens path for reading. "-" means stdin.
func OpenJSONLinesSource(path string, logger *zap.Logger) (*JSONLinesSource, io.Closer, error) {
	if path == "-" {
		return NewJSONLinesSource(os.Stdin, logger), io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event source: %w", err)
	}
	return NewJSONLinesSource(f, logger), f, nil
}

// Events returns the event stream.
func (s *JSONLinesSource) Events() <-chan domain.ForegroundEvent {
	return s.events
}

// Start reads until EOF or ctx is canceled, then closes the event channel.
func (s *JSONLinesSource) Start(ctx context.Context) error {
	defer close(s.events)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 4096), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := ParseForegroundEvent(line)
		if err != nil {
			s.logger.Warn("dropping malformed foreground event", zap.Error(err))
			continue
		}
		if ev.ObservedAt.IsZero() {
			ev.ObservedAt = s.now()
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read foreground events: %w", err)
	}
	return nil
}

// ParseForegroundEvent decodes one event line. A target id is required.
func ParseForegroundEvent(line []byte) (domain.ForegroundEvent, error) {
	var ev domain.ForegroundEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return ev, fmt.Errorf("invalid event json: %w", err)
	}
	if ev.TargetID == "" {
		return ev, fmt.Errorf("event has no targetId")
	}
	return ev, nil
}

var _ domain.ForegroundSource = (*JSONLinesSource)(nil)
