package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"QuantServe/internal/domain/models"
	pkgkafka "QuantServe/pkg/kafka"
	"QuantServe/pkg/logger"
	pkgmetrics "QuantServe/pkg/metrics"
)

// AdjustmentTarget receives decoded adjustments.
type AdjustmentTarget interface {
	SetAdjustment(adj *models.ConformalAdjustment)
}

// KafkaAdjustmentHandler installs conformal adjustments published by the
// calibration job. A message with sample_size 0 clears the active one.
type KafkaAdjustmentHandler struct {
	topic   string
	target  AdjustmentTarget
	metrics *pkgmetrics.Recorder
	l       *logger.Logger
}

func NewKafkaAdjustmentHandler(topic string, target AdjustmentTarget, rec *pkgmetrics.Recorder, l *logger.Logger) *KafkaAdjustmentHandler {
	return &KafkaAdjustmentHandler{topic: topic, target: target, metrics: rec, l: l}
}

func (h *KafkaAdjustmentHandler) Topic() string { return h.topic }

// incoming message schema: models.ConformalAdjustment as JSON
func (h *KafkaAdjustmentHandler) Handle(ctx context.Context, b []byte) error {
	var adj models.ConformalAdjustment
	if err := json.Unmarshal(b, &adj); err != nil {
		h.metrics.RecordError("adjustment_unmarshal")
		return err
	}
	if adj.SampleSize == 0 {
		h.target.SetAdjustment(nil)
		if h.l != nil {
			h.l.Info("conformal adjustment cleared", logger.String("topic", h.topic))
		}
		return nil
	}
	if err := validateAdjustment(adj); err != nil {
		h.metrics.RecordError("adjustment_invalid")
		return err
	}
	h.target.SetAdjustment(&adj)
	if h.l != nil {
		h.l.Info("conformal adjustment installed",
			logger.String("bucket", adj.Bucket),
			logger.Float64("target_coverage", adj.TargetCoverage),
			logger.Float64("width_scale", adj.WidthScale),
			logger.Int("sample_size", adj.SampleSize),
		)
	}
	return nil
}

func validateAdjustment(adj models.ConformalAdjustment) error {
	switch {
	case !(adj.TargetCoverage > 0 && adj.TargetCoverage < 1):
		return fmt.Errorf("%w: target_coverage %v outside (0,1)", ErrValidation, adj.TargetCoverage)
	case math.IsNaN(adj.WidthScale) || math.IsInf(adj.WidthScale, 0) || adj.WidthScale < 0:
		return fmt.Errorf("%w: width_scale %v", ErrValidation, adj.WidthScale)
	case math.IsNaN(adj.CenterShift) || math.IsInf(adj.CenterShift, 0):
		return fmt.Errorf("%w: center_shift %v", ErrValidation, adj.CenterShift)
	case adj.SampleSize < 0:
		return fmt.Errorf("%w: sample_size %d", ErrValidation, adj.SampleSize)
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaAdjustmentHandler)(nil)
var _ AdjustmentTarget = (*Orchestrator)(nil)
