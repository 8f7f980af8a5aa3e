package pop3

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	pop3client "github.com/knadh/go-pop3"

	"github.com/dhcgn/imap-to-files/model"
)

// Inbox is the only folder a POP3 maildrop exposes.
const Inbox = "INBOX"

var ErrFolderUnsupported = errors.New("pop3 only serves INBOX")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// conn is the subset of *pop3client.Conn the session uses.
type conn interface {
	List(msgID int) ([]pop3client.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Quit() error
}

// Session reads fields from a POP3 maildrop. POP3 cannot fetch single
// header fields, so each Fetch retrieves the whole message and extracts
// the requested part, shaped like the IMAP response for the same query.
type Session struct {
	conn   conn
	logger *slog.Logger
	quit   bool
}

// Dial connects and authenticates.
func Dial(opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("pop3 host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("pop3 port must be positive")
	}

	client := pop3client.New(pop3client.Opt{
		Host:          opts.Host,
		Port:          opts.Port,
		TLSEnabled:    opts.UseTLS,
		TLSSkipVerify: opts.InsecureSkipVerify,
	})
	c, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s:%d: %w", opts.Host, opts.Port, err)
	}
	if err := c.Auth(opts.Username, opts.Password); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("pop3 auth %s: %w", opts.Username, err)
	}

	if logger != nil {
		logger.Debug("pop3 connection established", "host", opts.Host, "port", opts.Port, "user", opts.Username, "tls", opts.UseTLS)
	}
	return &Session{conn: c, logger: logger}, nil
}

func (s *Session) Select(folder string) (uint32, error) {
	if !strings.EqualFold(folder, Inbox) {
		return 0, fmt.Errorf("%w: %q", ErrFolderUnsupported, folder)
	}
	msgs, err := s.conn.List(0)
	if err != nil {
		return 0, fmt.Errorf("pop3 list: %w", err)
	}
	return uint32(len(msgs)), nil
}

func (s *Session) Fetch(number uint32, field model.Field) (model.FieldContent, error) {
	buf, err := s.conn.RetrRaw(int(number))
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %d: %w", number, err)
	}
	raw := buf.Bytes()

	switch field {
	case model.FieldFrom:
		return model.NewFieldContent(HeaderField(raw, "From")), nil
	case model.FieldTo:
		return model.NewFieldContent(HeaderField(raw, "To")), nil
	case model.FieldSubject:
		return model.NewFieldContent(HeaderField(raw, "Subject")), nil
	default:
		_, body := SplitRawMessage(raw)
		return model.NewFieldContent(body), nil
	}
}

func (s *Session) Logout() error {
	if s.quit {
		return nil
	}
	s.quit = true
	return s.conn.Quit()
}

// Close quits the session unless Logout already did.
func (s *Session) Close() error {
	if err := s.Logout(); err != nil {
		if s.logger != nil {
			s.logger.Debug("pop3 connection closed", "err", err)
		}
		return err
	}
	return nil
}

// SplitRawMessage splits a raw message into its header block, including
// the line break of the last header line, and the body.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return nil, raw[2:]
	}
	if bytes.HasPrefix(raw, []byte("\n")) {
		return nil, raw[1:]
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx+2], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx+1], raw[idx+2:]
	}

	return raw, nil
}

// HeaderField returns every occurrence of header name, folded continuation
// lines included, followed by a terminating blank line.
func HeaderField(raw []byte, name string) []byte {
	header, _ := SplitRawMessage(raw)

	var (
		out      bytes.Buffer
		matching bool
	)
	for _, line := range strings.SplitAfter(string(header), "\n") {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if matching {
				out.WriteString(line)
			}
			continue
		}
		key, _, ok := strings.Cut(line, ":")
		matching = ok && strings.EqualFold(strings.TrimSpace(key), name)
		if matching {
			out.WriteString(line)
			if !strings.HasSuffix(line, "\n") {
				out.WriteString("\r\n")
			}
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}
