package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/datachat/internal/domain"
	"github.com/ashureev/datachat/internal/metrics"
)

// Service keeps at most one open channel and reopens it whenever the
// (model, persona, schema mode) triple changes.
type Service struct {
	backend Backend
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	channel Channel
	spec    ChannelSpec
}

// NewService creates a service. A nil backend means no credentials are configured.
func NewService(backend Backend, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend: backend,
		metrics: m,
		logger:  logger,
	}
}

// Available reports whether a backend is configured.
func (s *Service) Available() bool {
	return s != nil && s.backend != nil
}

// Send issues one turn. history is the transcript before text and is only used
// when a new channel has to be opened. On any error the open channel is
// discarded so the next turn reseeds from the transcript.
func (s *Service) Send(ctx context.Context, spec ChannelSpec, history []domain.Message, text string) (Reply, error) {
	if !s.Available() {
		return Reply{}, ErrNoCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil || s.spec != spec {
		ch, err := s.backend.Open(ctx, spec, HistoryFromMessages(history))
		if err != nil {
			s.metrics.RecordModelCall(spec.Model, err, 0)
			return Reply{}, asBackendError(err)
		}
		s.channel = ch
		s.spec = spec
		s.metrics.RecordChannelOpened()
		s.logger.Info("Model channel opened", "model", spec.Model, "schema_mode", spec.SchemaMode)
	}

	start := time.Now()
	raw, err := s.channel.Send(ctx, text)
	s.metrics.RecordModelCall(spec.Model, err, time.Since(start))
	if err != nil {
		s.discardLocked()
		return Reply{}, asBackendError(err)
	}

	if !spec.SchemaMode {
		return Reply{Text: raw}, nil
	}

	structured, err := ParseStructuredReply(raw)
	if err != nil {
		s.discardLocked()
		s.logger.Warn("Model returned malformed structured reply", "model", spec.Model, "error", err)
		return Reply{}, err
	}
	return Reply{Structured: structured}, nil
}

// Reset discards the open channel.
func (s *Service) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardLocked()
}

func (s *Service) discardLocked() {
	s.channel = nil
	s.spec = ChannelSpec{}
}

func asBackendError(err error) error {
	if errors.Is(err, ErrBackend) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackend, err)
}

// HistoryFromMessages converts transcript messages into channel seed turns.
// System messages are carried by the persona and are skipped. Structured
// assistant content is re-encoded as the JSON object the model produced.
func HistoryFromMessages(msgs []domain.Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			turns = append(turns, Turn{Text: m.Content.String()})
		case domain.RoleAssistant:
			text := m.Content.Text
			if sc := m.Content.Structured; sc != nil {
				data, err := json.Marshal(StructuredReply{Code: sc.Code, Explanation: sc.Explanation})
				if err == nil {
					text = string(data)
				}
			}
			turns = append(turns, Turn{FromModel: true, Text: text})
		}
	}
	return turns
}
