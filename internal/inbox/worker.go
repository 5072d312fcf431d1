package inbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/telemetry"
)

// Starter turns a claimed event into a run. runstate.Machine implements it.
type Starter interface {
	StartFromInbox(ctx context.Context, ev model.InboxEvent) (model.Run, error)
}

// WorkerConfig tunes the poll loop. Zero values take the defaults.
type WorkerConfig struct {
	PollInterval time.Duration // default 1s
	BatchSize    int           // default 32
	Lease        time.Duration // default 5m
	Concurrency  int           // agents processed in parallel, default 4
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Worker polls the inbox and starts one run per claimed event. Events for
// the same agent are started one at a time, oldest first; different agents
// proceed concurrently.
type Worker struct {
	inbox   *Inbox
	starter Starter
	logger  *slog.Logger
	cfg     WorkerConfig

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	drainOnce  sync.Once
	drainCh    chan context.Context

	processed metric.Int64Counter
}

// NewWorker creates a Worker. Call Start to begin polling.
func NewWorker(in *Inbox, starter Starter, logger *slog.Logger, cfg WorkerConfig) *Worker {
	return &Worker{
		inbox:   in,
		starter: starter,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		done:    make(chan struct{}),
		drainCh: make(chan context.Context, 1),
	}
}

// Start begins the poll loop. It is a no-op after the first call.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops polling, processes one last batch and waits for in-flight
// runs, bounded by ctx.
func (w *Worker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	select {
	case w.drainCh <- ctx:
	default:
	}
	w.cancelLoop()

	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("inbox: drain timed out, events stay leased until they expire")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx == nil {
				var cancel context.CancelFunc
				drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
			}
			w.processBatch(drainCtx)
			w.drainOnce.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			// Runs started here finish even if the loop is cancelled
			// mid-batch; Drain bounds how long shutdown waits for them.
			w.processBatch(context.WithoutCancel(ctx))
		}
	}
}

// processBatch requeues stale leases, claims a batch and starts runs. It
// returns the number of events handled.
func (w *Worker) processBatch(ctx context.Context) int {
	batchCtx, cancel := context.WithTimeout(ctx, w.cfg.Lease)
	defer cancel()

	if n, err := w.inbox.store.RequeueStaleInbox(batchCtx, time.Now().UTC()); err != nil {
		w.logger.Warn("inbox: requeue stale leases", "error", err)
	} else if n > 0 {
		w.logger.Info("inbox: requeued stale leases", "count", n)
	}

	events, err := w.inbox.Claim(batchCtx, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		w.logger.Error("inbox: claim", "error", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(batchCtx)
	g.SetLimit(w.cfg.Concurrency)
	for _, group := range groupByAgent(events) {
		g.Go(func() error {
			for _, ev := range group {
				w.handle(gctx, ev)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(events)
}

func (w *Worker) handle(ctx context.Context, ev model.InboxEvent) {
	run, err := w.starter.StartFromInbox(ctx, ev)
	if err != nil {
		w.logger.Warn("inbox: event failed",
			"event_id", ev.EventID, "agent_id", ev.AgentID, "type", ev.Type, "error", err)
		if mErr := w.inbox.MarkFailed(ctx, ev.ID, err.Error()); mErr != nil {
			w.logger.Error("inbox: mark failed", "event_id", ev.EventID, "error", mErr)
		}
		w.count(ctx, "failed")
		return
	}
	if err := w.inbox.MarkProcessed(ctx, ev.ID, run.ID); err != nil {
		w.logger.Error("inbox: mark processed", "event_id", ev.EventID, "run_id", run.ID, "error", err)
		return
	}
	w.logger.Debug("inbox: event processed",
		"event_id", ev.EventID, "agent_id", ev.AgentID, "run_id", run.ID, "run_status", run.Status)
	w.count(ctx, "processed")
}

// groupByAgent splits events per agent, keeping claim order inside each
// group and first-seen order across groups.
func groupByAgent(events []model.InboxEvent) [][]model.InboxEvent {
	index := make(map[string]int)
	var groups [][]model.InboxEvent
	for _, ev := range events {
		i, ok := index[ev.AgentID]
		if !ok {
			i = len(groups)
			index[ev.AgentID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}

func (w *Worker) count(ctx context.Context, outcome string) {
	if w.processed != nil {
		w.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("machi/inbox")

	counter, err := meter.Int64Counter("machi.inbox.events",
		metric.WithDescription("Inbox events handled by outcome"),
	)
	if err == nil {
		w.processed = counter
	}

	_, _ = meter.Int64ObservableGauge("machi.inbox.depth",
		metric.WithDescription("Number of pending inbox events"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.inbox.Depth(ctx)
			if err != nil {
				return nil
			}
			o.Observe(n)
			return nil
		}),
	)
}
