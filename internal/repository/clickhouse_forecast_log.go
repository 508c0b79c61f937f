package repository

import (
    "context"
    "database/sql"
    "fmt"
    "strings"
    "time"

	"QuantServe/internal/domain/models"
	domrepo "QuantServe/internal/domain/repository"
	pkgch "QuantServe/pkg/clickhouse"
	applogger "QuantServe/pkg/logger"
)

const defaultForecastTable = "forecast_log"

// CHForecastLog is the served-forecast audit table. One row per fresh
// response, last step only.
type CHForecastLog struct {
	db    *sql.DB
	table string
	now   func() time.Time
	l     *applogger.Logger
}

func NewCHForecastLog(ch *pkgch.Client, table string) *CHForecastLog {
	return newCHForecastLog(ch.DB(), table)
}

func newCHForecastLog(db *sql.DB, table string) *CHForecastLog {
	if table == "" {
		table = defaultForecastTable
	}
	return &CHForecastLog{db: db, table: table, now: time.Now}
}

// SetLogger injects a structured logger.
func (s *CHForecastLog) SetLogger(l *applogger.Logger) { s.l = l }

// Schema returns idempotent DDL for the table.
func (s *CHForecastLog) Schema() []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            served_at       DateTime64(3),
            market_id       String,
            as_of_ts        String,
            freq            LowCardinality(String),
            horizon_steps   UInt32,
            runtime         LowCardinality(String),
            fallback_reason String,
            cache_stale     UInt8,
            q10             Float64,
            q50             Float64,
            q90             Float64,
            latency_ms      Float64,
            model_name      LowCardinality(String),
            model_version   String,
            warnings        Array(String)
        ) ENGINE = MergeTree
        ORDER BY (market_id, served_at)`, s.table)}
}

func (s *CHForecastLog) Write(ctx context.Context, _ models.ForecastRequest, resp *models.ForecastResponse) error {
	if resp == nil {
		return nil
	}
	return s.WriteBatch(ctx, []domrepo.ForecastEvent{domrepo.NewForecastEvent(resp, s.now().UTC())})
}

// WriteBatch inserts events with multi-row VALUES, chunked.
func (s *CHForecastLog) WriteBatch(ctx context.Context, events []domrepo.ForecastEvent) error {
    const chunkSize = 2000
    for start := 0; start < len(events); start += chunkSize {
        end := start + chunkSize
        if end > len(events) { end = len(events) }

        q, args := buildForecastInsert(s.table, events[start:end])
        if q == "" { continue }
        if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
            if s.l != nil {
                s.l.Error("clickhouse forecast_log insert error",
                    applogger.String("table", s.table),
                    applogger.Int("rows", end-start),
                    applogger.Error(err),
                )
            }
            return fmt.Errorf("insert forecast log: %w", err)
        }
    }
    return nil
}

func (s *CHForecastLog) Close() error {
	return nil // pool owned by pkg/clickhouse
}

func buildForecastInsert(table string, events []domrepo.ForecastEvent) (string, []interface{}) {
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*15)
	for _, ev := range events {
		if ev.MarketID == "" {
			continue
		}
		var stale uint8
		if ev.CacheStale {
			stale = 1
		}
		warnings := ev.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			ev.ServedAt,
			ev.MarketID,
			ev.AsOfTS,
			ev.Freq,
			uint32(ev.HorizonSteps),
			ev.Runtime,
			ev.FallbackReason,
			stale,
			ev.Q10,
			ev.Q50,
			ev.Q90,
			ev.LatencyMS,
			ev.ModelName,
			ev.ModelVersion,
			warnings,
		)
	}
	if len(values) == 0 {
		return "", nil
	}
	q := fmt.Sprintf("INSERT INTO %s (served_at, market_id, as_of_ts, freq, horizon_steps, runtime, fallback_reason, cache_stale, q10, q50, q90, latency_ms, model_name, model_version, warnings) VALUES %s",
		table, strings.Join(values, ","))
	return q, args
}

var _ domrepo.ForecastSink = (*CHForecastLog)(nil)
