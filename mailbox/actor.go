package mailbox

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dhcgn/imap-to-files/model"
)

type request struct {
	run   func(Session)
	reply chan struct{}
}

// Actor owns a Session and executes requests against it one at a time from a
// single goroutine. Any number of Providers may share one Actor.
type Actor struct {
	session  Session
	logger   *slog.Logger
	requests chan request
	quit     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Start launches the goroutine that owns session.
func Start(session Session, logger *slog.Logger) *Actor {
	a := &Actor{
		session:  session,
		logger:   logger,
		requests: make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Actor) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case req := <-a.requests:
			req.run(a.session)
			close(req.reply)
		}
	}
}

// do hands fn to the owning goroutine and waits for it to finish. A request
// that was accepted always runs to completion, even if ctx is cancelled while
// waiting for the reply.
func (a *Actor) do(ctx context.Context, fn func(Session)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := request{run: fn, reply: make(chan struct{})}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return ErrSessionClosed
	case a.requests <- req:
	}
	<-req.reply
	return nil
}

// Select opens folder and returns its message count.
func (a *Actor) Select(ctx context.Context, folder string) (uint32, error) {
	var (
		count uint32
		err   error
	)
	if doErr := a.do(ctx, func(s Session) {
		count, err = s.Select(folder)
	}); doErr != nil {
		err = doErr
	}
	if err != nil {
		return 0, &SelectError{Folder: folder, Err: err}
	}
	if a.logger != nil {
		a.logger.Debug("folder selected", "folder", folder, "messages", count)
	}
	return count, nil
}

// Fetch retrieves field of message number through the owned session.
func (a *Actor) Fetch(ctx context.Context, number uint32, field model.Field) (model.FieldContent, error) {
	var (
		content model.FieldContent
		err     error
	)
	if doErr := a.do(ctx, func(s Session) {
		content, err = s.Fetch(number, field)
	}); doErr != nil {
		err = doErr
	}
	if err != nil {
		return nil, &FetchError{Number: number, Field: field, Err: err}
	}
	return content, nil
}

// Logout ends the server session. Failures are only logged.
func (a *Actor) Logout(ctx context.Context) {
	var err error
	if doErr := a.do(ctx, func(s Session) {
		err = s.Logout()
	}); doErr != nil {
		err = doErr
	}
	if err != nil && a.logger != nil {
		a.logger.Warn("logout failed", "err", err)
	}
}

// Close stops the owning goroutine after any in-flight request and closes
// the session. It is safe to call more than once.
func (a *Actor) Close() error {
	a.closeOnce.Do(func() {
		close(a.quit)
		<-a.done
		a.closeErr = a.session.Close()
	})
	return a.closeErr
}
