package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/imap-to-files/model"
)

// DefaultSender is used in the From_ line when no address can be parsed.
const DefaultSender = "MAILER-DAEMON"

// archiveTime is stamped on every From_ line so identical runs produce
// identical archives.
var archiveTime = time.Unix(0, 0).UTC()

var ErrArchiveClosed = errors.New("mbox archive closed")

// Archive appends saved messages to a single mbox file. The file is created
// (or truncated) on the first Append. It is not safe for concurrent use.
type Archive struct {
	path   string
	file   *os.File
	writer *mboxlib.Writer
	closed bool
}

// NewArchive prepares an archive at path without touching the filesystem.
func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

func (a *Archive) Path() string {
	return a.path
}

func (a *Archive) open() error {
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
	}
	file, err := os.Create(a.path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	a.file = file
	a.writer = mboxlib.NewWriter(file)
	return nil
}

// Append writes msg as one mbox entry.
func (a *Archive) Append(msg model.Message) error {
	if a.closed {
		return ErrArchiveClosed
	}
	if a.writer == nil {
		if err := a.open(); err != nil {
			return err
		}
	}

	w, err := a.writer.CreateMessage(EnvelopeSender(msg.From), archiveTime)
	if err != nil {
		return fmt.Errorf("archive message %d: %w", msg.Number, err)
	}
	if _, err := w.Write(Render(msg)); err != nil {
		return fmt.Errorf("archive message %d: %w", msg.Number, err)
	}
	return nil
}

// Close flushes the archive. Closing an archive that never received a
// message does not create the file.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if a.writer == nil {
		return nil
	}
	var firstErr error
	if err := a.writer.Close(); err != nil {
		firstErr = fmt.Errorf("close archive writer: %w", err)
	}
	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close archive: %w", err)
	}
	return firstErr
}

// EnvelopeSender extracts the first address from a fetched From header.
func EnvelopeSender(from model.FieldContent) string {
	header, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(from.String())))
	if err != nil {
		return DefaultSender
	}
	value := header.Get("From")
	if value == "" {
		return DefaultSender
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 || addrs[0].Address == "" {
		return DefaultSender
	}
	return addrs[0].Address
}

// Render rebuilds a minimal RFC 5322 message from the fetched fields.
func Render(msg model.Message) []byte {
	var buf bytes.Buffer
	for _, header := range []model.FieldContent{msg.From, msg.To, msg.Subject} {
		buf.WriteString(trimHeaderBlock(header.String()))
	}
	buf.WriteString("\r\n")
	buf.WriteString(msg.Body.String())
	return buf.Bytes()
}

// trimHeaderBlock drops the blank line that terminates a header fetch and
// makes sure the block ends with exactly one line break.
func trimHeaderBlock(block string) string {
	block = strings.TrimRight(block, "\r\n")
	if block == "" {
		return ""
	}
	return block + "\r\n"
}

// Count returns how many messages the mbox file at path holds.
func Count(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, err
		}
		count++
	}
}
