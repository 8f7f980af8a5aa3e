// Package mailboxtest provides an in-memory mailbox.Session for tests.
package mailboxtest

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dhcgn/imap-to-files/model"
)

var ErrInjected = errors.New("injected fetch failure")

// Mail is one message held by a Session.
type Mail struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Field returns the raw payload served for f, shaped like an IMAP
// HEADER.FIELDS or TEXT response.
func (m Mail) Field(f model.Field) string {
	switch f {
	case model.FieldFrom:
		return "From: " + m.From + "\r\n\r\n"
	case model.FieldTo:
		return "To: " + m.To + "\r\n\r\n"
	case model.FieldSubject:
		return "Subject: " + m.Subject + "\r\n\r\n"
	default:
		return m.Body
	}
}

type fetchKey struct {
	number uint32
	field  model.Field
}

// Session serves a single folder from memory and records every call.
type Session struct {
	Folder string
	Mails  []Mail

	mu        sync.Mutex
	failures  map[fetchKey]bool
	fetches   map[fetchKey]int
	selects   int
	loggedOut bool
	closed    bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// New returns a session whose folder holds mails, numbered from 1.
func New(folder string, mails ...Mail) *Session {
	return &Session{
		Folder:   folder,
		Mails:    mails,
		failures: make(map[fetchKey]bool),
		fetches:  make(map[fetchKey]int),
	}
}

// FailFetch makes every fetch of field for message number fail.
func (s *Session) FailFetch(number uint32, field model.Field) {
	s.mu.Lock()
	s.failures[fetchKey{number, field}] = true
	s.mu.Unlock()
}

func (s *Session) Select(folder string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selects++
	if folder != s.Folder {
		return 0, fmt.Errorf("no such folder %q", folder)
	}
	return uint32(len(s.Mails)), nil
}

func (s *Session) Fetch(number uint32, field model.Field) (model.FieldContent, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	runtime.Gosched()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := fetchKey{number, field}
	s.fetches[key]++
	if s.closed {
		return nil, errors.New("session closed")
	}
	if s.failures[key] {
		return nil, ErrInjected
	}
	if number == 0 || int(number) > len(s.Mails) {
		return nil, fmt.Errorf("no message %d", number)
	}
	return model.NewFieldContent([]byte(s.Mails[number-1].Field(field))), nil
}

func (s *Session) Logout() error {
	s.mu.Lock()
	s.loggedOut = true
	s.mu.Unlock()
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Fetches returns how often field of message number was fetched.
func (s *Session) Fetches(number uint32, field model.Field) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[fetchKey{number, field}]
}

// TotalFetches returns the number of fetch calls made so far.
func (s *Session) TotalFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.fetches {
		total += n
	}
	return total
}

// MaxInFlight is the highest number of Fetch calls observed running at once.
func (s *Session) MaxInFlight() int {
	return int(s.maxInFlight.Load())
}

func (s *Session) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
