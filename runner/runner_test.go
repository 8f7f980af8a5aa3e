package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dhcgn/imap-to-files/config"
	"github.com/dhcgn/imap-to-files/mailbox"
	"github.com/dhcgn/imap-to-files/mailbox/mailboxtest"
	"github.com/dhcgn/imap-to-files/model"
	"github.com/dhcgn/imap-to-files/stats"
)

// syncBuffer guards log output written from the fetch and saver goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	cfg       config.Config
	session   *mailboxtest.Session
	logs      *syncBuffer
	collector *stats.Collector
	// events is filled by the subscriber and read after Start returns.
	events []stats.Event
}

func newHarness(t *testing.T, mails ...mailboxtest.Mail) *harness {
	t.Helper()
	return &harness{
		cfg: config.Config{
			Folder:       "INBOX",
			OutputFolder: filepath.Join(t.TempDir(), "INBOX"),
			QueueSize:    2,
		},
		session:   mailboxtest.New("INBOX", mails...),
		logs:      &syncBuffer{},
		collector: stats.NewCollector(),
	}
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	dial := func(config.Config, *slog.Logger) (mailbox.Session, error) {
		return h.session, nil
	}
	r, err := New(h.cfg, logger, dial)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		for evt := range events {
			h.collector.Apply(evt)
			h.events = append(h.events, evt)
		}
		return nil
	})
	return r.Start()
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.OutputFolder)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (h *harness) countLogLines(substr string) int {
	n := 0
	for _, line := range strings.Split(h.logs.String(), "\n") {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func mail(from, to, subject string) mailboxtest.Mail {
	return mailboxtest.Mail{From: from, To: to, Subject: subject, Body: "Hello " + subject + "\r\n"}
}

func TestRunner_DropsMessageOnFetchFailure(t *testing.T) {
	h := newHarness(t,
		mail("a@x.com", "b@y.com", "one"),
		mail("a@x.com", "b@y.com", "two"),
		mail("a@x.com", "b@y.com", "three"),
	)
	h.session.FailFetch(2, model.FieldFrom)

	if err := h.run(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	files := h.files(t)
	if len(files) != 8 {
		t.Fatalf("wrote %d files %v, want 8", len(files), files)
	}
	for _, name := range files {
		if strings.HasPrefix(name, "2_") {
			t.Errorf("found file %s for dropped message 2", name)
		}
	}

	if n := h.countLogLines("message dropped"); n != 1 {
		t.Errorf("logged %d dropped lines, want 1\n%s", n, h.logs.String())
	}
	if n := h.countLogLines("category=fetch_failure"); n != 1 {
		t.Errorf("logged %d fetch_failure lines, want 1", n)
	}

	summary := h.collector.Snapshot()
	if summary.Scanned != 3 || summary.Dropped != 1 || summary.Saved != 2 || summary.Enqueued != 2 {
		t.Errorf("summary = %+v", summary)
	}
	for _, evt := range h.events {
		if evt.Type == stats.EventTypeDropped && (evt.Number != 2 || evt.Detail != stats.CategoryFetchFailure) {
			t.Errorf("dropped event = %+v, want message 2 with %s", evt, stats.CategoryFetchFailure)
		}
	}
	if !h.session.LoggedOut() || !h.session.Closed() {
		t.Error("expected session to be logged out and closed")
	}
}

func TestRunner_MarkerFilter(t *testing.T) {
	h := newHarness(t,
		mail("a@x.com", "team@ukeep.io", "kept"),
		mail("a@x.com", "b@y.com", "excluded"),
	)
	h.cfg.Marker = "ukeep"

	if err := h.run(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	files := h.files(t)
	if len(files) != 4 {
		t.Fatalf("wrote %d files %v, want 4", len(files), files)
	}
	for _, f := range model.AllFields {
		if got := h.session.Fetches(1, f); got != 1 {
			t.Errorf("message 1 %s fetched %d times, want 1", f, got)
		}
	}
	if n := h.session.Fetches(2, model.FieldSubject) + h.session.Fetches(2, model.FieldBody); n != 0 {
		t.Errorf("excluded message 2 had %d subject/body fetches, want 0", n)
	}

	summary := h.collector.Snapshot()
	if summary.Filtered != 1 || summary.Saved != 1 || summary.Dropped != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunner_MarkerFailsClosed(t *testing.T) {
	h := newHarness(t, mail("x@ukeep.io", "team@ukeep.io", "kept"))
	h.cfg.Marker = "ukeep"
	h.session.FailFetch(1, model.FieldTo)

	if err := h.run(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if files := h.files(t); len(files) != 0 {
		t.Fatalf("wrote %v, want nothing", files)
	}
	if n := h.countLogLines("message dropped"); n != 1 {
		t.Errorf("logged %d dropped lines, want 1", n)
	}
	if h.session.Fetches(1, model.FieldBody) != 0 {
		t.Error("body fetched for a message that failed screening")
	}
}

func TestRunner_StartOffsetPastEnd(t *testing.T) {
	mails := make([]mailboxtest.Mail, 5)
	for i := range mails {
		mails[i] = mail("a@x.com", "b@y.com", "m")
	}
	h := newHarness(t, mails...)
	h.cfg.Start = 5

	if err := h.run(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := os.Stat(h.cfg.OutputFolder); !os.IsNotExist(err) {
		t.Errorf("expected no output folder, stat error = %v", err)
	}
	if h.session.TotalFetches() != 0 {
		t.Errorf("performed %d fetches, want 0", h.session.TotalFetches())
	}
	if n := h.countLogLines("level=ERROR"); n != 0 {
		t.Errorf("logged %d errors, want 0\n%s", n, h.logs.String())
	}
	if summary := h.collector.Snapshot(); summary.Skipped != 5 || summary.Scanned != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunner_StartOffset(t *testing.T) {
	h := newHarness(t,
		mail("a@x.com", "b@y.com", "one"),
		mail("a@x.com", "b@y.com", "two"),
		mail("a@x.com", "b@y.com", "three"),
	)
	h.cfg.Start = 1

	if err := h.run(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	files := h.files(t)
	if len(files) != 8 {
		t.Fatalf("wrote %d files, want 8", len(files))
	}
	for _, name := range files {
		if strings.HasPrefix(name, "1_") {
			t.Errorf("skipped message 1 was written as %s", name)
		}
	}
}

func TestRunner_RerunIsByteIdentical(t *testing.T) {
	mails := []mailboxtest.Mail{
		mail("a@x.com", "team@ukeep.io", "one"),
		mail("c@ukeep.io", "b@y.com", "two"),
	}

	read := func(h *harness) map[string]string {
		out := make(map[string]string)
		for _, name := range h.files(t) {
			data, err := os.ReadFile(filepath.Join(h.cfg.OutputFolder, name))
			if err != nil {
				t.Fatal(err)
			}
			out[name] = string(data)
		}
		return out
	}

	runs := make([]*harness, 2)
	for i := range runs {
		h := newHarness(t, mails...)
		h.cfg.Marker = "ukeep"
		h.cfg.Archive = filepath.Join(h.cfg.OutputFolder, "all.mbox")
		if err := h.run(t); err != nil {
			t.Fatalf("run %d: Start() error = %v", i+1, err)
		}
		if saved := h.collector.Snapshot().Saved; saved != 2 {
			t.Fatalf("run %d saved %d messages, want 2", i+1, saved)
		}
		runs[i] = h
	}
	if runs[0].cfg.OutputFolder == runs[1].cfg.OutputFolder {
		t.Fatal("runs share an output folder")
	}

	before, after := read(runs[0]), read(runs[1])
	if len(before) != 9 {
		t.Fatalf("first run wrote %d files, want 8 plus the archive", len(before))
	}
	if len(after) != len(before) {
		t.Fatalf("second run wrote %d files, first run %d", len(after), len(before))
	}
	for name, data := range before {
		got, ok := after[name]
		if !ok {
			t.Errorf("%s missing from second run", name)
			continue
		}
		if got != data {
			t.Errorf("%s differs between runs", name)
		}
	}
}

func TestRunner_ReportsArchiveCount(t *testing.T) {
	h := newHarness(t,
		mail("a@x.com", "b@y.com", "one"),
		mail("a@x.com", "b@y.com", "two"),
		mail("a@x.com", "b@y.com", "three"),
	)
	h.cfg.Archive = filepath.Join(t.TempDir(), "all.mbox")
	h.session.FailFetch(3, model.FieldBody)

	if err := h.run(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	var archiveLines []string
	for _, line := range strings.Split(h.logs.String(), "\n") {
		if strings.Contains(line, `msg="archive written"`) {
			archiveLines = append(archiveLines, line)
		}
	}
	if len(archiveLines) != 1 {
		t.Fatalf("logged %d archive lines, want 1\n%s", len(archiveLines), h.logs.String())
	}
	if !strings.HasSuffix(archiveLines[0], "messages=2") {
		t.Errorf("archive line = %q, want messages=2", archiveLines[0])
	}
}

func TestRunner_NoArchiveWhenNothingSaved(t *testing.T) {
	h := newHarness(t, mail("a@x.com", "b@y.com", "one"))
	h.cfg.Archive = filepath.Join(t.TempDir(), "all.mbox")
	h.cfg.Marker = "ukeep"

	if err := h.run(t); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := h.countLogLines(`msg="archive`); n != 0 {
		t.Errorf("logged %d archive lines for an empty run\n%s", n, h.logs.String())
	}
	if _, err := os.Stat(h.cfg.Archive); !os.IsNotExist(err) {
		t.Errorf("expected no archive file, stat error = %v", err)
	}
}

func TestRunner_SelectFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.cfg.Folder = "Missing"

	err := h.run(t)
	var serr *mailbox.SelectError
	if !errors.As(err, &serr) {
		t.Fatalf("Start() error = %v, want *SelectError", err)
	}
	if !h.session.Closed() {
		t.Error("expected session to be closed after fatal error")
	}
}

func TestRunner_DialFailureIsFatal(t *testing.T) {
	boom := errors.New("connection refused")
	dial := func(config.Config, *slog.Logger) (mailbox.Session, error) {
		return nil, boom
	}
	r, err := New(config.Config{Folder: "INBOX", OutputFolder: t.TempDir()}, nil, dial)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
}

func TestNew_RequiresDialer(t *testing.T) {
	if _, err := New(config.Config{}, nil, nil); err == nil {
		t.Fatal("expected error for nil dialer")
	}
}
