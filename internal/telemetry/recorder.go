package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/database"
	"github.com/dbehnke/canfdbridge/internal/device"
)

const (
	// DefaultSnapshotInterval is how often counters are sampled
	DefaultSnapshotInterval = 10 * time.Second

	// DefaultTraceBuffer is how many trace records may wait for the writer
	DefaultTraceBuffer = 1024

	// DefaultFlushInterval bounds how long a trace record waits for its batch
	DefaultFlushInterval = time.Second

	// DefaultRetention is how long rows are kept before pruning
	DefaultRetention = 7 * 24 * time.Hour

	traceBatchSize = 256
)

// StatsSource supplies the pipeline counters to sample.
type StatsSource interface {
	Stats() device.Stats
}

// RecorderConfig holds configuration for the recorder
type RecorderConfig struct {
	SnapshotInterval time.Duration
	FlushInterval    time.Duration
	TraceBuffer      int
	Retention        time.Duration // Zero disables pruning
}

// Recorder samples device counters into the telemetry store and, when
// attached as a trace hook, records every bridged message.
type Recorder struct {
	repository *database.TelemetryRepository
	source     StatsSource
	logger     *log.Logger
	config     RecorderConfig

	traces chan database.TraceRecord

	snapshots atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
}

// NewRecorder creates a recorder with default configuration
func NewRecorder(repository *database.TelemetryRepository, source StatsSource, logger *log.Logger) *Recorder {
	return NewRecorderWithConfig(repository, source, logger, RecorderConfig{
		SnapshotInterval: DefaultSnapshotInterval,
		FlushInterval:    DefaultFlushInterval,
		TraceBuffer:      DefaultTraceBuffer,
		Retention:        DefaultRetention,
	})
}

// NewRecorderWithConfig creates a recorder with custom configuration
func NewRecorderWithConfig(repository *database.TelemetryRepository, source StatsSource, logger *log.Logger, config RecorderConfig) *Recorder {
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = DefaultSnapshotInterval
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.TraceBuffer <= 0 {
		config.TraceBuffer = DefaultTraceBuffer
	}

	return &Recorder{
		repository: repository,
		source:     source,
		logger:     logger,
		config:     config,
		traces:     make(chan database.TraceRecord, config.TraceBuffer),
	}
}

// Trace queues one bridged message for storage. It never blocks; records
// are dropped when the writer falls behind. Its signature matches
// can.TraceFunc.
func (r *Recorder) Trace(dir can.Direction, msg *can.Message) {
	rec := database.TraceRecord{
		CreatedAt: time.Now(),
		Direction: dir.String(),
		CANID:     msg.ID,
		Extended:  msg.IDType == can.ExtendedID,
		FD:        msg.Format == can.FD,
		BRS:       msg.BitrateSwitch,
		DLC:       msg.DLC,
		Data:      append([]byte(nil), msg.Payload()...),
	}

	select {
	case r.traces <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Start runs the snapshot ticker and the trace writer until ctx is done.
// Pending traces and a final snapshot are written before it returns.
func (r *Recorder) Start(ctx context.Context) {
	if r.logger != nil {
		r.logger.Printf("Telemetry recorder starting (interval: %v)", r.config.SnapshotInterval)
	}

	if err := r.SnapshotNow(); err != nil && r.logger != nil {
		r.logger.Printf("Initial snapshot failed: %v", err)
	}

	snapTicker := time.NewTicker(r.config.SnapshotInterval)
	defer snapTicker.Stop()
	flushTicker := time.NewTicker(r.config.FlushInterval)
	defer flushTicker.Stop()

	batch := make([]database.TraceRecord, 0, traceBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.repository.InsertTraces(batch); err != nil {
			if r.logger != nil {
				r.logger.Printf("Trace write failed (%d records): %v", len(batch), err)
			}
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			r.drain(&batch)
			flush()
			if err := r.SnapshotNow(); err != nil && r.logger != nil {
				r.logger.Printf("Final snapshot failed: %v", err)
			}
			if r.logger != nil {
				r.logger.Printf("Telemetry recorder stopping (traces written: %d, dropped: %d)",
					r.written.Load(), r.dropped.Load())
			}
			return

		case rec := <-r.traces:
			batch = append(batch, rec)
			if len(batch) >= traceBatchSize {
				flush()
			}

		case <-flushTicker.C:
			flush()

		case <-snapTicker.C:
			if err := r.SnapshotNow(); err != nil && r.logger != nil {
				r.logger.Printf("Snapshot failed: %v", err)
			}
			r.prune()
		}
	}
}

func (r *Recorder) drain(batch *[]database.TraceRecord) {
	for {
		select {
		case rec := <-r.traces:
			*batch = append(*batch, rec)
		default:
			return
		}
	}
}

func (r *Recorder) prune() {
	if r.config.Retention <= 0 {
		return
	}
	removed, err := r.repository.PruneBefore(time.Now().Add(-r.config.Retention))
	if err != nil {
		if r.logger != nil {
			r.logger.Printf("Prune failed: %v", err)
		}
		return
	}
	if removed > 0 && r.logger != nil {
		r.logger.Printf("Pruned %d telemetry rows", removed)
	}
}

// SnapshotNow samples the source and stores the counters immediately
func (r *Recorder) SnapshotNow() error {
	if r.source == nil {
		return fmt.Errorf("no stats source")
	}
	snap := Snapshot(r.source.Stats())
	if err := r.repository.SaveSnapshot(&snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	r.snapshots.Add(1)
	return nil
}

// Snapshots returns how many snapshots have been stored
func (r *Recorder) Snapshots() uint64 { return r.snapshots.Load() }

// TracesWritten returns how many trace records have been stored
func (r *Recorder) TracesWritten() uint64 { return r.written.Load() }

// TracesDropped returns how many trace records were discarded
func (r *Recorder) TracesDropped() uint64 { return r.dropped.Load() }

// Snapshot converts device counters into a storable row
func Snapshot(s device.Stats) database.StatsSnapshot {
	return database.StatsSnapshot{
		ParserFrames:      s.Parser.Frames,
		ParserResync:      s.Parser.ResyncSkips,
		ParserBadLength:   s.Parser.BadLength,
		ParserBadChecksum: s.Parser.BadChecksum,
		ParserOversize:    s.Parser.Oversize,
		ParserRejected:    s.Parser.Rejected,
		ParserOverwritten: s.Parser.Overwritten,

		CommandsOK: s.Commands.OK,
		CommandsDropped: s.Commands.Rejected + s.Commands.BadLength +
			s.Commands.BadParam + s.Commands.Unknown + s.Commands.Empty,

		TxQueued:    s.Bridge.TxQueued,
		TxDropped:   s.Bridge.TxDropped,
		TxSubmitted: s.Bridge.TxSubmitted,
		TxErrors:    s.Bridge.TxErrors,
		RxReceived:  s.Bridge.RxReceived,
		RxDropped:   s.Bridge.RxDropped,
		RxReported:  s.Bridge.RxReported,
		RxUnsent:    s.Bridge.RxUnsent,

		EgressDirect:      s.Egress.Direct,
		EgressQueued:      s.Egress.Queued,
		EgressDropped:     s.Egress.Dropped,
		EgressKeepAlives:  s.Egress.KeepAlives,
		EgressWriteErrors: s.Egress.WriteErrors,
	}
}
