package imap

import (
	"net"
	"strconv"
	"strings"
	"testing"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"

	"github.com/dhcgn/imap-to-files/model"
)

const (
	testUser = "testuser"
	testPass = "testpass"
)

const testMail = "MIME-Version: 1.0\r\n" +
	"From: sender@example.com\r\n" +
	"To: team@ukeep.io\r\n" +
	"Subject: Test Subject\r\n" +
	"Date: Mon, 10 Feb 2026 08:00:00 +0000\r\n" +
	"Message-Id: <test-1@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello, World!\r\n" +
	"Second line\r\n"

// newTestServer starts an in-memory IMAP server with an INBOX holding
// mails and returns its host and port.
func newTestServer(t *testing.T, mails ...string) (string, int) {
	t.Helper()

	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser(testUser, testPass)
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatal(err)
	}
	memSrv.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memSrv.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imapv2.CapSet{
			imapv2.CapIMAP4rev1: {},
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	for _, raw := range mails {
		appendMail(t, ln.Addr().String(), "INBOX", raw)
	}

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func appendMail(t *testing.T, addr, mailbox, raw string) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	c := imapclient.New(conn, nil)
	defer c.Close()
	if err := c.Login(testUser, testPass).Wait(); err != nil {
		t.Fatal(err)
	}

	cmd := c.Append(mailbox, int64(len(raw)), nil)
	if _, err := cmd.Write([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}
}

func dialTest(t *testing.T, host string, port int) *Session {
	t.Helper()
	session, err := Dial(Options{Host: host, Port: port, Username: testUser, Password: testPass}, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func TestSession_SelectAndFetch(t *testing.T) {
	host, port := newTestServer(t, testMail, testMail)
	session := dialTest(t, host, port)

	count, err := session.Select("INBOX")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("Select() = %d messages, want 2", count)
	}

	tests := []struct {
		field    model.Field
		contains string
		prefix   string
	}{
		{field: model.FieldFrom, contains: "sender@example.com", prefix: "From:"},
		{field: model.FieldTo, contains: "team@ukeep.io", prefix: "To:"},
		{field: model.FieldSubject, contains: "Test Subject", prefix: "Subject:"},
	}
	for _, tt := range tests {
		t.Run(tt.field.String(), func(t *testing.T) {
			content, err := session.Fetch(2, tt.field)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			text := content.String()
			if !strings.HasPrefix(text, tt.prefix) || !strings.Contains(text, tt.contains) {
				t.Errorf("Fetch(%s) = %q, want %s header containing %q", tt.field, text, tt.prefix, tt.contains)
			}
			if strings.Contains(text, "Message-Id") {
				t.Errorf("Fetch(%s) = %q leaked other header fields", tt.field, text)
			}
		})
	}

	body, err := session.Fetch(1, model.FieldBody)
	if err != nil {
		t.Fatalf("Fetch(body) error = %v", err)
	}
	if got := body.String(); got != "Hello, World!\r\nSecond line\r\n" {
		t.Errorf("Fetch(body) = %q", got)
	}
	if len(body) != 2 {
		t.Errorf("body has %d lines, want 2", len(body))
	}

	if err := session.Logout(); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
}

func TestSession_SelectMissingFolder(t *testing.T) {
	host, port := newTestServer(t)
	session := dialTest(t, host, port)

	if _, err := session.Select("Nope"); err == nil {
		t.Fatal("expected error selecting a missing folder")
	}
}

func TestSession_FetchOutOfRange(t *testing.T) {
	host, port := newTestServer(t, testMail)
	session := dialTest(t, host, port)

	if _, err := session.Select("INBOX"); err != nil {
		t.Fatal(err)
	}
	if _, err := session.Fetch(5, model.FieldFrom); err == nil {
		t.Fatal("expected error fetching a message that does not exist")
	}
}

func TestDial_BadCredentials(t *testing.T) {
	host, port := newTestServer(t)
	_, err := Dial(Options{Host: host, Port: port, Username: testUser, Password: "wrong"}, nil)
	if err == nil {
		t.Fatal("expected login failure")
	}
}

func TestDial_Validation(t *testing.T) {
	if _, err := Dial(Options{Port: 993}, nil); err == nil {
		t.Error("expected error for empty host")
	}
	if _, err := Dial(Options{Host: "localhost"}, nil); err == nil {
		t.Error("expected error for missing port")
	}
}

func TestSection(t *testing.T) {
	from := Section(model.FieldFrom)
	if from.Specifier != imapv2.PartSpecifierHeader || len(from.HeaderFields) != 1 || from.HeaderFields[0] != "From" || !from.Peek {
		t.Errorf("Section(from) = %+v", from)
	}
	body := Section(model.FieldBody)
	if body.Specifier != imapv2.PartSpecifierText || !body.Peek {
		t.Errorf("Section(body) = %+v", body)
	}
}
