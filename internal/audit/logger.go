// Package audit records every gate decision to a structured store and a
// daily NDJSON file, and serves the admin read path over both.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/resilience"
	"github.com/sells-group/osa-gateway/internal/store"
)

// SinkError reports a failed write to one sink.
type SinkError struct {
	Sink   string
	Record model.AuditRecord
	Err    error
}

func (e SinkError) Error() string {
	return "audit: sink " + e.Sink + ": " + e.Err.Error()
}

// Aggregates are derived metrics over matching audit records.
type Aggregates struct {
	Total         int     `json:"total"`
	Passed        int     `json:"passed"`
	Warning       int     `json:"warning"`
	Failed        int     `json:"failed"`
	PassRate      float64 `json:"pass_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	// Source is "store" or "file".
	Source string `json:"source"`
}

// Option configures a Logger.
type Option func(*Logger)

// WithQueueSize sets the write queue capacity.
func WithQueueSize(n int) Option {
	return func(l *Logger) { l.queueSize = n }
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) { l.timeout = d }
}

// WithNow sets the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

type job struct {
	ctx context.Context
	rec model.AuditRecord
}

// Logger fans each record out to its sinks on a background goroutine.
// Sink failures never reach the caller; they are logged and sent on Errors.
type Logger struct {
	st    store.Store
	file  *FileSink
	sinks []Sink

	queueSize int
	timeout   time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan job
	errs   chan SinkError
	done   chan struct{}
}

// NewLogger starts a Logger. Either st or file may be nil, but not both.
func NewLogger(st store.Store, file *FileSink, opts ...Option) (*Logger, error) {
	l := &Logger{
		st:        st,
		file:      file,
		queueSize: 1024,
		timeout:   5 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if st != nil {
		l.sinks = append(l.sinks, NewStoreSink(st))
	}
	if file != nil {
		l.sinks = append(l.sinks, file)
	}
	if len(l.sinks) == 0 {
		return nil, eris.New("audit: at least one sink is required")
	}

	l.queue = make(chan job, l.queueSize)
	l.errs = make(chan SinkError, 64)
	l.done = make(chan struct{})
	go l.run()
	return l, nil
}

// Errors returns sink failures. Failures are dropped when nobody reads.
func (l *Logger) Errors() <-chan SinkError {
	return l.errs
}

// Record queues rec for writing. It assigns ValidationID and Timestamp when
// unset and never blocks on a sink.
func (l *Logger) Record(ctx context.Context, rec model.AuditRecord) {
	if rec.ValidationID == "" {
		rec.ValidationID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		zap.L().Warn("audit: record after close dropped",
			zap.String("page_id", rec.PageID),
			zap.String("gate", string(rec.GateKind)),
		)
		return
	}

	j := job{ctx: context.WithoutCancel(ctx), rec: rec}
	select {
	case l.queue <- j:
	default:
		// Queue full: write inline rather than lose the record.
		l.write(j)
	}
}

// RecordResults records one audit row per gate result.
func (l *Logger) RecordResults(ctx context.Context, pageID, widgetID string, results []model.ValidationResult) {
	for _, r := range results {
		rec := model.AuditRecord{
			PageID:          pageID,
			WidgetID:        widgetID,
			GateKind:        r.Gate,
			Status:          model.StatusOf(r),
			ConfidenceScore: r.ConfidenceScore,
			DurationMs:      r.Duration.Milliseconds(),
		}
		if !r.Passed {
			rec.FailureReason = r.Reason
		}
		l.Record(ctx, rec)
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for j := range l.queue {
		l.write(j)
	}
}

func (l *Logger) write(j job) {
	for _, s := range l.sinks {
		ctx, cancel := context.WithTimeout(j.ctx, l.timeout)
		err := s.Write(ctx, j.rec)
		cancel()
		if err == nil {
			continue
		}
		err = resilience.PersistenceError("audit "+s.Name(), err)
		zap.L().Error("audit: sink write failed",
			zap.String("sink", s.Name()),
			zap.String("validation_id", j.rec.ValidationID),
			zap.String("page_id", j.rec.PageID),
			zap.Error(err),
		)
		select {
		case l.errs <- SinkError{Sink: s.Name(), Record: j.rec, Err: err}:
		default:
		}
	}
}

// Close drains queued records and closes the file sink.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "audit: drain")
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query returns matching records from the store, or from the file sink
// when the store is unavailable.
func (l *Logger) Query(ctx context.Context, filter store.AuditFilter) ([]model.AuditRecord, error) {
	if l.st != nil {
		recs, err := l.st.ListAuditRecords(ctx, filter)
		if err == nil {
			return recs, nil
		}
		if l.file == nil {
			return nil, resilience.PersistenceError("audit query", err)
		}
		zap.L().Warn("audit: store query failed, scanning files", zap.Error(err))
	}
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return l.file.Scan(ctx, filter)
}

// Aggregate computes pass rate and averages over matching records.
func (l *Logger) Aggregate(ctx context.Context, filter store.AuditFilter) (Aggregates, error) {
	if l.st != nil {
		sum, err := l.st.SummarizeAudit(ctx, filter)
		if err == nil {
			return fromSummary(sum, "store"), nil
		}
		if l.file == nil {
			return Aggregates{}, resilience.PersistenceError("audit aggregate", err)
		}
		zap.L().Warn("audit: store summary failed, scanning files", zap.Error(err))
	}

	filter.Limit = 0
	recs, err := l.file.Scan(ctx, filter)
	if err != nil {
		return Aggregates{}, err
	}
	return fromSummary(Summarize(recs), "file"), nil
}

// Summarize computes counts and averages over recs.
func Summarize(recs []model.AuditRecord) store.AuditSummary {
	var sum store.AuditSummary
	var conf, dur float64
	for _, r := range recs {
		sum.Total++
		switch r.Status {
		case model.GateStatusPassed:
			sum.Passed++
		case model.GateStatusWarning:
			sum.Warning++
		case model.GateStatusFailed:
			sum.Failed++
		}
		conf += float64(r.ConfidenceScore)
		dur += float64(r.DurationMs)
	}
	if sum.Total > 0 {
		sum.AvgConfidence = conf / float64(sum.Total)
		sum.AvgDurationMs = dur / float64(sum.Total)
	}
	return sum
}

// fromSummary counts warnings as passes in PassRate: a warning is a pass
// with low confidence.
func fromSummary(s store.AuditSummary, source string) Aggregates {
	a := Aggregates{
		Total:         s.Total,
		Passed:        s.Passed,
		Warning:       s.Warning,
		Failed:        s.Failed,
		AvgConfidence: s.AvgConfidence,
		AvgDurationMs: s.AvgDurationMs,
		Source:        source,
	}
	if s.Total > 0 {
		a.PassRate = float64(s.Passed+s.Warning) / float64(s.Total)
	}
	return a
}
