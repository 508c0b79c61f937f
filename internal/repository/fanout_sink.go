package repository

import (
	"context"
	"errors"

	"QuantServe/internal/domain/models"
	domrepo "QuantServe/internal/domain/repository"
	pkgmetrics "QuantServe/pkg/metrics"
)

type namedSink struct {
	name string
	sink domrepo.ForecastSink
}

// FanoutSink writes every response to all registered sinks. A failing sink
// does not stop the others.
type FanoutSink struct {
	sinks   []namedSink
	metrics *pkgmetrics.Recorder
}

func NewFanoutSink(rec *pkgmetrics.Recorder) *FanoutSink {
	return &FanoutSink{metrics: rec}
}

// Add registers sink under name. Nil sinks are ignored.
func (f *FanoutSink) Add(name string, sink domrepo.ForecastSink) *FanoutSink {
	if sink != nil {
		f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
	}
	return f
}

func (f *FanoutSink) Len() int { return len(f.sinks) }

func (f *FanoutSink) Write(ctx context.Context, req models.ForecastRequest, resp *models.ForecastResponse) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.sink.Write(ctx, req, resp)
		f.metrics.RecordSinkWrite(s.name, err)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *FanoutSink) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ domrepo.ForecastSink = (*FanoutSink)(nil)
