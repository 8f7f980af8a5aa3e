package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-to-files/model"
)

var ErrMessageMissing = errors.New("server returned no data for message")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}

// Session is a logged-in IMAP connection. Like imapclient.Client it must
// not be used from more than one goroutine at a time.
type Session struct {
	client *imapclient.Client
	logger *slog.Logger
}

// Dial connects and logs in.
func Dial(opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS)
	}

	return &Session{client: client, logger: logger}, nil
}

func (s *Session) Select(folder string) (uint32, error) {
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return 0, err
	}
	return data.NumMessages, nil
}

// Section returns the body section queried for field. Header fields map
// to BODY.PEEK[HEADER.FIELDS (...)] and the body to BODY.PEEK[TEXT]. PEEK
// keeps the \Seen flag untouched.
func Section(field model.Field) *imapv2.FetchItemBodySection {
	switch field {
	case model.FieldFrom:
		return headerSection("From")
	case model.FieldTo:
		return headerSection("To")
	case model.FieldSubject:
		return headerSection("Subject")
	default:
		return &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierText, Peek: true}
	}
}

func headerSection(name string) *imapv2.FetchItemBodySection {
	return &imapv2.FetchItemBodySection{
		Specifier:    imapv2.PartSpecifierHeader,
		HeaderFields: []string{name},
		Peek:         true,
	}
}

func (s *Session) Fetch(number uint32, field model.Field) (model.FieldContent, error) {
	section := Section(field)
	options := &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	msgs, err := s.client.Fetch(imapv2.SeqSetNum(number), options).Collect()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w %d", ErrMessageMissing, number)
	}

	return model.NewFieldContent(msgs[0].FindBodySection(section)), nil
}

func (s *Session) Logout() error {
	return s.client.Logout().Wait()
}

func (s *Session) Close() error {
	if err := s.client.Close(); err != nil {
		if s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
		return err
	}
	return nil
}
