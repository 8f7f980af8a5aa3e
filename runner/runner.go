package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-to-files/config"
	"github.com/dhcgn/imap-to-files/filter"
	"github.com/dhcgn/imap-to-files/mailbox"
	"github.com/dhcgn/imap-to-files/mbox"
	"github.com/dhcgn/imap-to-files/model"
	"github.com/dhcgn/imap-to-files/saver"
	"github.com/dhcgn/imap-to-files/stats"
)

// Dialer opens an authenticated session for cfg.
type Dialer func(cfg config.Config, logger *slog.Logger) (mailbox.Session, error)

type StageFunc func(context.Context) error

type subscriber struct {
	name   string
	events chan stats.Event
	fn     func(context.Context, <-chan stats.Event) error
}

type Runner struct {
	cfg    config.Config
	logger *slog.Logger
	dial   Dialer

	ctx    context.Context
	cancel context.CancelFunc

	stages      []namedStage
	subscribers []subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

type namedStage struct {
	name string
	fn   StageFunc
}

func New(cfg config.Config, logger *slog.Logger, dial Dialer) (*Runner, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:    cfg,
		logger: logger,
		dial:   dial,
		ctx:    ctx,
		cancel: cancel,
	}

	r.AddStage("fetch", r.fetch)
	return r, nil
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event of the run. It must be
// called before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, subscriber{
		name:   name,
		events: make(chan stats.Event, 128),
		fn:     fn,
	})
}

// AddStage registers a stage. Stages start together when Start is called.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, namedStage{name: name, fn: fn})
}

// Start runs every stage and subscriber and blocks until all have finished.
// Only fatal errors are returned; per-message failures are logged and counted.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}

	for _, stage := range r.stages {
		r.workWG.Add(1)
		go func(stage namedStage) {
			defer r.workWG.Done()
			if err := stage.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", stage.name, err))
			}
		}(stage)
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// fetch walks the folder: skip, screen, materialize and hand each message
// to the saver, then drains the saver before logging out.
func (r *Runner) fetch(ctx context.Context) error {
	session, err := r.dial(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	actor := mailbox.Start(session, r.logger)
	defer func() {
		if err := actor.Close(); err != nil {
			r.logger.Debug("session close", "err", err)
		}
	}()

	count, err := actor.Select(ctx, r.cfg.Folder)
	if err != nil {
		return err
	}

	seq := mailbox.NewSequence(actor, count)
	skipped := seq.Skip(r.cfg.Start)
	r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeSelected, Total: seq.Remaining()})
	for n := uint32(1); n <= skipped; n++ {
		r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeSkipped, Number: n})
	}
	r.logger.Info("folder selected", "folder", r.cfg.Folder, "messages", count, "skipped", skipped, "remaining", seq.Remaining())

	sv, err := saver.New(saver.Options{
		Dir:       r.cfg.OutputFolder,
		Archive:   r.cfg.Archive,
		QueueSize: r.cfg.QueueSize,
	}, r.logger, r)
	if err != nil {
		return fmt.Errorf("saver: %w", err)
	}

	marker := filter.New(r.cfg.Marker)
	for p := range seq.All() {
		r.process(ctx, p, marker, sv)
	}

	if err := sv.Close(); err != nil {
		r.logger.Error("saver close failed", "err", err)
	} else {
		r.reportArchive()
	}

	actor.Logout(ctx)
	return nil
}

func (r *Runner) process(ctx context.Context, p mailbox.Provider, marker *filter.Marker, sv *saver.Saver) {
	r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeScanned, Number: p.Number})

	fields, ok := r.screen(ctx, p, marker)
	if !ok {
		return
	}

	msg, err := p.Complete(ctx, fields)
	if err != nil {
		r.drop(p.Number, err)
		return
	}

	if err := sv.Save(msg); err != nil {
		r.drop(p.Number, err)
		return
	}
	r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeEnqueued, Number: p.Number})
}

// screen applies the marker. Without a marker every message passes and
// nothing is fetched here.
func (r *Runner) screen(ctx context.Context, p mailbox.Provider, marker *filter.Marker) (model.Fields, bool) {
	if !marker.Active() {
		return nil, true
	}
	fields, ok, err := marker.Screen(ctx, p)
	if err != nil {
		r.drop(p.Number, err)
		return nil, false
	}
	if !ok {
		r.logger.Debug("message filtered", "number", p.Number)
		r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFiltered, Number: p.Number})
		return nil, false
	}
	return fields, true
}

// drop logs exactly one line for a message that will not be saved.
func (r *Runner) drop(number uint32, err error) {
	attrs := []any{"number", number, "category", stats.CategoryFetchFailure}
	var merr *mailbox.MaterializeError
	if errors.As(err, &merr) {
		attrs = append(attrs, merr.LogAttrs()...)
	}
	attrs = append(attrs, "err", err)
	r.logger.Error("message dropped", attrs...)
	r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeDropped, Number: number, Err: err, Detail: stats.CategoryFetchFailure})
}

// reportArchive logs how many messages the mbox archive holds once the saver
// has closed it. A run that saved nothing leaves no archive behind.
func (r *Runner) reportArchive() {
	if r.cfg.Archive == "" {
		return
	}
	count, err := mbox.Count(r.cfg.Archive)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("archive not readable", "path", r.cfg.Archive, "err", err)
		}
		return
	}
	r.logger.Info("archive written", "path", r.cfg.Archive, "messages", count)
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
