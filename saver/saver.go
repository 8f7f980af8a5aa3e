package saver

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dhcgn/imap-to-files/mbox"
	"github.com/dhcgn/imap-to-files/model"
	"github.com/dhcgn/imap-to-files/stats"
)

const DefaultQueueSize = 32

var ErrClosed = errors.New("saver closed")

// State is the lifecycle of the saver worker: Idle until the output
// directory exists, Running while accepting messages, Draining once Close
// has been called and queued messages are still being written, Stopped
// when the worker has exited.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// WriteError reports a failed write for one message.
type WriteError struct {
	Number uint32
	Path   string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write message %d to %s: %v", e.Number, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

type Options struct {
	// Dir receives four files per message.
	Dir string
	// Archive, when set, is an mbox file every saved message is appended to.
	Archive string
	// QueueSize bounds how many messages may wait for the worker.
	QueueSize int
}

// Saver writes messages to disk from a single background worker. Save hands
// a message over and returns without waiting for the write.
type Saver struct {
	opts    Options
	logger  *slog.Logger
	sink    stats.Sink
	archive *mbox.Archive

	queue chan model.Message
	done  chan struct{}
	state atomic.Int32

	mu     sync.RWMutex
	closed bool

	dirReady bool
	closeErr error
}

// New starts the worker. sink may be nil.
func New(opts Options, logger *slog.Logger, sink stats.Sink) (*Saver, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	s := &Saver{
		opts:   opts,
		logger: logger,
		sink:   sink,
		queue:  make(chan model.Message, opts.QueueSize),
		done:   make(chan struct{}),
	}
	if opts.Archive != "" {
		s.archive = mbox.NewArchive(opts.Archive)
	}

	go s.run()
	return s, nil
}

// Save enqueues msg. It blocks only while the queue is full.
func (s *Saver) Save(msg model.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.logger != nil {
		s.logger.Debug("saving message", "number", msg.Number)
	}
	s.queue <- msg
	return nil
}

// Close stops accepting messages and waits until every queued message has
// been written. It returns the error from closing the archive, if any.
func (s *Saver) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.state.Store(int32(StateDraining))
		close(s.queue)
	}
	s.mu.Unlock()

	<-s.done
	return s.closeErr
}

func (s *Saver) State() State {
	return State(s.state.Load())
}

func (s *Saver) run() {
	defer close(s.done)

	for msg := range s.queue {
		s.handle(msg)
	}

	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.closeErr = err
			if s.logger != nil {
				s.logger.Error("archive close failed", "path", s.archive.Path(), "err", err)
			}
		}
	}
	s.state.Store(int32(StateStopped))
}

func (s *Saver) handle(msg model.Message) {
	if err := s.write(msg); err != nil {
		if s.logger != nil {
			s.logger.Error("message dropped", "number", msg.Number, "category", stats.CategoryWriteFailure, "err", err)
		}
		s.emit(stats.Event{Stage: stats.StageSave, Type: stats.EventTypeWriteFailed, Number: msg.Number, Err: err, Detail: stats.CategoryWriteFailure})
		return
	}
	if s.logger != nil {
		s.logger.Debug("message saved", "number", msg.Number, "dir", s.opts.Dir)
	}
	s.emit(stats.Event{Stage: stats.StageSave, Type: stats.EventTypeSaved, Number: msg.Number})

	if s.archive == nil {
		return
	}
	if err := s.archive.Append(msg); err != nil {
		err = &WriteError{Number: msg.Number, Path: s.archive.Path(), Err: err}
		if s.logger != nil {
			s.logger.Error("archive append failed, message files kept", "number", msg.Number, "category", stats.CategoryArchiveFailure, "err", err)
		}
		s.emit(stats.Event{Stage: stats.StageSave, Type: stats.EventTypeArchiveFailed, Number: msg.Number, Err: err, Detail: stats.CategoryArchiveFailure})
	}
}

// write stores the four field files of msg.
func (s *Saver) write(msg model.Message) error {
	if err := s.ensureDir(); err != nil {
		return &WriteError{Number: msg.Number, Path: s.opts.Dir, Err: err}
	}

	for _, field := range model.AllFields {
		path := filepath.Join(s.opts.Dir, field.FileName(msg.Number))
		if err := os.WriteFile(path, msg.Content(field).Bytes(), 0o644); err != nil {
			return &WriteError{Number: msg.Number, Path: path, Err: err}
		}
	}
	return nil
}

func (s *Saver) ensureDir() error {
	if s.dirReady {
		return nil
	}
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return err
	}
	s.dirReady = true
	s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))
	return nil
}

func (s *Saver) emit(evt stats.Event) {
	if s.sink != nil {
		s.sink.EmitEvent(evt)
	}
}
