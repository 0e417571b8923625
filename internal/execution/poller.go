package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultPollMaxAttempts = 20
)

// ErrPollCancelled is returned by Wait when a task was cancelled before the
// transaction reached a terminal state.
var ErrPollCancelled = errors.New("transaction polling cancelled")

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultPollMaxAttempts
	}
	return c
}

// PollTask is the handle for one transaction's status loop.
type PollTask struct {
	cancel context.CancelFunc
	done   chan struct{}

	hooks []func(TransactionRecord)

	mu     sync.Mutex
	record TransactionRecord
	err    error
}

// Cancel stops the loop. No tick fires after Cancel returns and the task is done.
func (t *PollTask) Cancel() {
	t.cancel()
	<-t.done
}

func (t *PollTask) Done() <-chan struct{} { return t.done }

// Wait blocks until the loop exits and returns the final record.
func (t *PollTask) Wait() (TransactionRecord, error) {
	<-t.done
	return t.Record(), t.errValue()
}

// Record returns the latest snapshot of the tracked record.
func (t *PollTask) Record() TransactionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

func (t *PollTask) errValue() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *PollTask) set(record TransactionRecord) {
	t.mu.Lock()
	t.record = record
	t.mu.Unlock()
}

// Poller runs status loops for submitted transactions and tracks them per room.
type Poller struct {
	relay    Relay
	sink     RecordSink
	cfg      PollConfig
	logger   zerolog.Logger
	onUpdate func(TransactionRecord)

	mu    sync.Mutex
	tasks map[string]*trackedTask
}

type trackedTask struct {
	roomID string
	task   *PollTask
}

type PollerOption func(*Poller)

// WithOnUpdate registers a hook invoked after every tick and on completion.
func WithOnUpdate(fn func(TransactionRecord)) PollerOption {
	return func(p *Poller) { p.onUpdate = fn }
}

func WithPollLogger(logger zerolog.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

func NewPoller(relay Relay, sink RecordSink, cfg PollConfig, opts ...PollerOption) *Poller {
	p := &Poller{
		relay:  relay,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		logger: zerolog.Nop(),
		tasks:  make(map[string]*trackedTask),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches a status loop for a submitted record. Hooks run on the
// loop's goroutine after every tick and must not call Cancel.
func (p *Poller) Start(ctx context.Context, record TransactionRecord, hooks ...func(TransactionRecord)) *PollTask {
	ctx, cancel := context.WithCancel(ctx)
	task := &PollTask{cancel: cancel, done: make(chan struct{}), record: record, hooks: hooks}

	p.mu.Lock()
	p.tasks[record.ID] = &trackedTask{roomID: record.RoomID, task: task}
	p.mu.Unlock()

	go func() {
		defer close(task.done)
		defer cancel()
		defer p.forget(record.ID)
		final, err := p.run(ctx, task, record)
		task.mu.Lock()
		task.record = final
		task.err = err
		task.mu.Unlock()
	}()
	return task
}

// Pending returns the number of loops still running.
func (p *Poller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// CancelRoom stops every loop started for roomID and waits for them to exit.
func (p *Poller) CancelRoom(roomID string) {
	for _, task := range p.collect(func(t *trackedTask) bool { return t.roomID == roomID }) {
		task.Cancel()
	}
}

// CancelAll stops every running loop.
func (p *Poller) CancelAll() {
	for _, task := range p.collect(func(*trackedTask) bool { return true }) {
		task.Cancel()
	}
}

func (p *Poller) collect(match func(*trackedTask) bool) []*PollTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PollTask, 0, len(p.tasks))
	for _, t := range p.tasks {
		if match(t) {
			out = append(out, t.task)
		}
	}
	return out
}

func (p *Poller) forget(id string) {
	p.mu.Lock()
	delete(p.tasks, id)
	p.mu.Unlock()
}

func (p *Poller) run(ctx context.Context, task *PollTask, record TransactionRecord) (TransactionRecord, error) {
	log := p.logger.With().Str("record_id", record.ID).Str("txid", record.TxID).Logger()
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			log.Debug().Int("attempts", record.Attempts).Msg("transaction polling cancelled")
			return record, ErrPollCancelled
		case <-timer.C:
		}

		res, err := p.relay.Status(ctx, record.TxID)
		if ctx.Err() != nil {
			return record, ErrPollCancelled
		}
		record.Attempts = attempt
		record.LastCheckedAt = time.Now().UTC().Format(time.RFC3339Nano)
		record.Touch()

		switch {
		case err != nil:
			log.Warn().Err(err).Int("attempt", attempt).Msg("transaction status check failed")
		case res.Observed() && res.Failed():
			record.Status = RecordStatusError
			record.Error = res.ErrorText()
			p.publish(task, record)
			log.Warn().Str("status", string(record.Status)).Str("error", record.Error).Msg("transaction failed")
			return record, clierr.New(clierr.CodeTxFailed, fmt.Sprintf("transaction %s failed: %s", describe(record), record.Error))
		case res.Observed():
			record.Status = RecordStatusSuccess
			record.Error = ""
			p.publish(task, record)
			log.Info().Int("attempts", attempt).Msg("transaction confirmed")
			return record, nil
		}
		p.publish(task, record)

		if attempt < p.cfg.MaxAttempts {
			timer.Reset(p.cfg.Interval)
		}
	}

	record.Status = RecordStatusError
	record.Error = fmt.Sprintf("transaction not confirmed after %d status checks", p.cfg.MaxAttempts)
	record.Touch()
	p.publish(task, record)
	log.Warn().Int("attempts", record.Attempts).Msg("transaction polling budget exhausted")
	return record, clierr.New(clierr.CodeTxFailed, record.Error)
}

func (p *Poller) publish(task *PollTask, record TransactionRecord) {
	task.set(record)
	if p.sink != nil {
		if err := p.sink.Save(record); err != nil {
			p.logger.Error().Err(err).Str("record_id", record.ID).Msg("persist transaction record")
		}
	}
	if p.onUpdate != nil {
		p.onUpdate(record)
	}
	for _, hook := range task.hooks {
		hook(record)
	}
}
