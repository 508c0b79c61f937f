package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"QuantServe/internal/domain/models"
	"QuantServe/internal/repository"
	"QuantServe/internal/services/calibration"
	"QuantServe/pkg/config"
	pkgkafka "QuantServe/pkg/kafka"
)

// samples is the input file: bands served in the past and the outcomes
// realized for them, index aligned.
type samples struct {
	Bands   []models.Band `json:"bands"`
	Actuals []float64     `json:"actuals"`
}

type options struct {
	input        string
	output       string
	target       float64
	bucket       string
	tolerance    float64
	baseWidth    float64
	maxRatio     float64
	minSamples   int
	publish      bool
	brokers      []string
	topic        string
	publishAfter time.Duration
}

type summary struct {
	Adjustment models.ConformalAdjustment `json:"adjustment"`
	Before     calibration.Report         `json:"coverage_before"`
	After      calibration.Report         `json:"coverage_after"`
	Refit      calibration.RefitDecision  `json:"refit_decision"`
	Output     string                     `json:"output,omitempty"`
	Published  bool                       `json:"published"`
}

func main() {
	var (
		opts       options
		configPath string
		brokers    string
	)
	flag.StringVar(&opts.input, "input", "", "JSON file with {bands, actuals}")
	flag.StringVar(&opts.output, "out", "", "write the fitted adjustment here (default: conformal.adjustment_path)")
	flag.Float64Var(&opts.target, "target", 0.8, "target coverage of the q10..q90 band")
	flag.StringVar(&opts.bucket, "bucket", "", "liquidity bucket the adjustment applies to")
	flag.Float64Var(&opts.tolerance, "tolerance", 0.02, "coverage shortfall tolerated before a refit is recommended")
	flag.Float64Var(&opts.baseWidth, "baseline-width", 0, "mean width at the last fit; 0 skips the width check")
	flag.Float64Var(&opts.maxRatio, "max-width-ratio", 1.5, "width growth over baseline-width that triggers a refit")
	flag.IntVar(&opts.minSamples, "min-samples", 30, "minimum samples for a refit decision")
	flag.BoolVar(&opts.publish, "publish", false, "publish the adjustment to the Kafka adjustments topic")
	flag.StringVar(&brokers, "brokers", "", "comma separated Kafka brokers (default: kafka.brokers)")
	flag.StringVar(&opts.topic, "topic", "", "adjustments topic (default: kafka.adjustments_topic)")
	flag.DurationVar(&opts.publishAfter, "publish-timeout", 10*time.Second, "publish deadline")
	flag.StringVar(&configPath, "config", "", "optional config file for output path and Kafka settings")
	flag.Parse()

	if configPath != "" {
		cfg, err := config.LoadWithEnv(configPath)
		if err != nil {
			log.Fatalf("config load failed: %v", err)
		}
		applyConfig(&opts, cfg)
	}
	if brokers != "" {
		opts.brokers = strings.Split(brokers, ",")
	}

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		log.Fatalf("calibrate: %v", err)
	}
}

func applyConfig(opts *options, cfg *config.Config) {
	if opts.output == "" {
		opts.output = cfg.Conformal.AdjustmentPath
	}
	if opts.bucket == "" {
		opts.bucket = cfg.Conformal.Bucket
	}
	if opts.topic == "" {
		opts.topic = cfg.Kafka.AdjustmentsTopic
	}
	opts.brokers = cfg.Kafka.Brokers
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if opts.input == "" {
		return errors.New("-input is required")
	}
	in, err := readSamples(opts.input)
	if err != nil {
		return err
	}

	s, err := fit(in, opts)
	if err != nil {
		return err
	}

	if opts.output != "" {
		if err := calibration.SaveAdjustment(opts.output, s.Adjustment); err != nil {
			return err
		}
		s.Output = opts.output
	}

	if opts.publish {
		if err := publish(ctx, opts, s.Adjustment); err != nil {
			return err
		}
		s.Published = true
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func readSamples(path string) (samples, error) {
	var in samples
	b, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("read samples: %w", err)
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return in, fmt.Errorf("decode samples %s: %w", path, err)
	}
	return in, nil
}

// fit reports coverage of the raw bands, fits the adjustment, and reports
// coverage again with the adjustment applied.
func fit(in samples, opts options) (summary, error) {
	var s summary
	before, err := calibration.CoverageReport(in.Bands, in.Actuals)
	if err != nil {
		return s, err
	}
	adj, err := calibration.Fit(in.Bands, in.Actuals, opts.target, calibration.Options{Bucket: opts.bucket})
	if err != nil {
		return s, err
	}

	adjusted := make([]models.Band, len(in.Bands))
	for i, b := range in.Bands {
		adjusted[i] = calibration.Apply(b, adj, 0, 1)
	}
	after, err := calibration.CoverageReport(adjusted, in.Actuals)
	if err != nil {
		return s, err
	}

	s.Adjustment = adj
	s.Before = before
	s.After = after
	s.Refit = calibration.EvaluateRefit(before, calibration.RefitPolicy{
		TargetCoverage:    opts.target,
		CoverageTolerance: opts.tolerance,
		BaselineWidth:     opts.baseWidth,
		MaxWidthRatio:     opts.maxRatio,
		MinSamples:        opts.minSamples,
	})
	return s, nil
}

func publish(ctx context.Context, opts options, adj models.ConformalAdjustment) error {
	if len(opts.brokers) == 0 || opts.topic == "" {
		return errors.New("-publish needs brokers and a topic")
	}
	producer, err := pkgkafka.NewProducer(pkgkafka.WithBrokers(opts.brokers))
	if err != nil {
		return err
	}
	pub := repository.NewKafkaAdjustmentPublisher(producer, opts.topic)
	defer pub.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.publishAfter)
	defer cancel()
	return pub.Publish(ctx, adj)
}
