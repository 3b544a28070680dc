package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/clock"
	"github.com/septivank/anpr-toll-worker/internal/domain"
	"github.com/septivank/anpr-toll-worker/internal/logging"
	"github.com/septivank/anpr-toll-worker/internal/metrics"
	"github.com/septivank/anpr-toll-worker/internal/plate"
	"github.com/septivank/anpr-toll-worker/internal/recognizer"
	"github.com/septivank/anpr-toll-worker/internal/trips"
	"github.com/septivank/anpr-toll-worker/internal/validator"
	"go.uber.org/zap"
)

// IngestMessage is a sighting delivered over RabbitMQ
type IngestMessage struct {
	RequestID string `json:"request_id"`
	validator.SightingRequest
}

// SightingResult is the response returned to the camera
type SightingResult struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Plate        string `json:"plate,omitempty"`
	IsDuplicate  *bool  `json:"isDuplicate,omitempty"`
	IsRegistered *bool  `json:"isRegistered,omitempty"`
}

// Observer applies a normalized sighting to trips
type Observer interface {
	Observe(ctx context.Context, s trips.Sighting) (trips.Outcome, error)
}

// IngestService runs the sighting pipeline: validate, recognize, normalize,
// then hand off to the trip state machine.
type IngestService struct {
	validator     *validator.Validator
	recognizer    recognizer.Recognizer
	minConfidence float64
	trips         Observer
	clock         clock.Clock
	logger        *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(
	validator *validator.Validator,
	recognizer recognizer.Recognizer,
	minConfidence float64,
	trips Observer,
	clk clock.Clock,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		validator:     validator,
		recognizer:    recognizer,
		minConfidence: minConfidence,
		trips:         trips,
		clock:         clk,
		logger:        logger,
	}
}

// ProcessSighting handles one camera sighting. Errors are typed with the
// domain taxonomy; a request that fails has changed nothing.
func (s *IngestService) ProcessSighting(ctx context.Context, requestID string, req validator.SightingRequest) (SightingResult, error) {
	reqLogger := logging.WithRequestID(s.logger, requestID)

	sighting, err := s.validator.ValidateSighting(req)
	if err != nil {
		metrics.SightingsTotal.WithLabelValues("rejected").Inc()
		reqLogger.Info("sighting rejected", zap.Error(err))
		return SightingResult{}, err
	}

	candidates, err := s.recognizer.Recognize(ctx, sighting.Image)
	if err != nil {
		metrics.SightingsTotal.WithLabelValues("failed").Inc()
		reqLogger.Error("plate recognition failed", zap.Error(err), zap.String("toll_zone_id", sighting.ZoneID))
		return SightingResult{}, err
	}
	top, ok := recognizer.Top(candidates, s.minConfidence)
	if !ok {
		metrics.SightingsTotal.WithLabelValues("no_plate").Inc()
		return SightingResult{Success: false, Message: "No plate detected."}, nil
	}

	normalized := plate.Normalize(top.Plate)
	if normalized == "" {
		metrics.SightingsTotal.WithLabelValues("no_plate").Inc()
		return SightingResult{Success: false, Message: "No plate detected."}, nil
	}

	out, err := s.trips.Observe(ctx, trips.Sighting{
		Plate:    normalized,
		ZoneID:   sighting.ZoneID,
		ZoneName: sighting.ZoneName,
		At:       s.clock.Now(),
	})
	if err != nil {
		metrics.SightingsTotal.WithLabelValues("failed").Inc()
		reqLogger.Error("failed to apply sighting",
			zap.Error(err),
			zap.String("plate", normalized),
			zap.String("toll_zone_id", sighting.ZoneID),
		)
		return SightingResult{}, err
	}

	metrics.SightingsTotal.WithLabelValues(string(out.Action)).Inc()
	return resultFor(normalized, out), nil
}

// ProcessMessage handles a sighting delivered over the queue. A camera frame
// without a readable plate is acknowledged; any error sends the message to
// the dead-letter queue.
func (s *IngestService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return domain.ValidationError{Field: "body", Msg: "malformed sighting message", Err: err}
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	result, err := s.ProcessSighting(ctx, msg.RequestID, msg.SightingRequest)
	if err != nil {
		return fmt.Errorf("sighting %s: %w", msg.RequestID, err)
	}

	logging.WithRequestID(s.logger, msg.RequestID).Debug("queued sighting processed",
		zap.String("plate", result.Plate),
		zap.String("message", result.Message),
	)
	return nil
}

func resultFor(normalized string, out trips.Outcome) SightingResult {
	yes, no := true, false
	registered := out.Registered

	switch out.Action {
	case trips.ActionDuplicate:
		return SightingResult{Success: true, Message: "Duplicate ignored.", Plate: normalized, IsDuplicate: &yes}
	case trips.ActionExtended:
		return SightingResult{Success: true, Message: "Session updated. No charge yet.", Plate: normalized, IsDuplicate: &no}
	case trips.ActionBypassed:
		reason := "GPS active"
		if out.Trip != nil && out.Trip.BypassReason != nil {
			reason = *out.Trip.BypassReason
		}
		return SightingResult{
			Success:      true,
			Message:      reason + ": Bypass applied.",
			Plate:        normalized,
			IsDuplicate:  &no,
			IsRegistered: &yes,
		}
	default:
		return SightingResult{
			Success:      true,
			Message:      "New session started. Charge pending exit.",
			Plate:        normalized,
			IsDuplicate:  &no,
			IsRegistered: &registered,
		}
	}
}
