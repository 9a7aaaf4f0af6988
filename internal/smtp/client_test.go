package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/velmik/coldsend/internal/dispatch"
)

// testBackend implements smtp.Backend for an in-process relay
type testBackend struct {
	mu       sync.Mutex
	from     []string
	rcpt     []string
	data     []string
	username string
	password string
	reject   string // recipient rejected with a 550
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b}, nil
}

func (b *testBackend) delivered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *testBackend) lastData() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return ""
	}
	return b.data[len(b.data)-1]
}

type testSession struct {
	backend *testBackend
	authed  bool
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return errors.New("invalid credentials")
		}
		s.authed = true
		return nil
	}), nil
}

func (s *testSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.username != "" && !s.authed {
		return &smtp.SMTPError{Code: 530, Message: "authentication required"}
	}
	s.backend.mu.Lock()
	s.backend.from = append(s.backend.from, from)
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if to == s.backend.reject {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "mailbox unavailable",
		}
	}
	s.backend.mu.Lock()
	s.backend.rcpt = append(s.backend.rcpt, to)
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	s.backend.data = append(s.backend.data, string(data))
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {}

func (s *testSession) Logout() error { return nil }

// startTestServer runs an in-process SMTP server on an ephemeral port.
func startTestServer(t *testing.T, backend *testBackend) (string, int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func testConfig(host string, port int) Config {
	return Config{
		Host:      host,
		Port:      port,
		FromEmail: "sender@example.com",
		FromName:  "Sender",
		Timeout:   5 * time.Second,
	}
}

func TestConnectAndSend(t *testing.T) {
	backend := &testBackend{}
	host, port := startTestServer(t, backend)

	pool, err := Connect(context.Background(), testConfig(host, port), nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer pool.Close()

	msg := &dispatch.Message{
		ID:      "m1",
		To:      "rcpt@example.com",
		Subject: "Hello {{nothing}}",
		HTML:    "<p>Hi there</p>",
		Text:    "Hi there",
	}
	if err := pool.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if backend.delivered() != 1 {
		t.Fatalf("delivered %d messages, want 1", backend.delivered())
	}

	data := backend.lastData()
	for _, want := range []string{
		"Subject: Hello {{nothing}}",
		"To: rcpt@example.com",
		`From: "Sender" <sender@example.com>`,
		"multipart/alternative",
		"<p>Hi there</p>",
	} {
		if !strings.Contains(data, want) {
			t.Errorf("message data missing %q:\n%s", want, data)
		}
	}
}

func TestConnectWithAuth(t *testing.T) {
	backend := &testBackend{username: "user", password: "secret"}
	host, port := startTestServer(t, backend)

	cfg := testConfig(host, port)
	cfg.Username = "user"
	cfg.Password = "secret"

	pool, err := Connect(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	pool.Close()
}

func TestConnectBadCredentials(t *testing.T) {
	backend := &testBackend{username: "user", password: "secret"}
	host, port := startTestServer(t, backend)

	cfg := testConfig(host, port)
	cfg.Username = "user"
	cfg.Password = "wrong"

	_, err := Connect(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Connect should fail with bad credentials")
	}
	if !IsConnectionError(err) {
		t.Errorf("error %T is not a ConnectionError", err)
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a free port, then close the listener so nothing accepts.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := testConfig("127.0.0.1", port)
	cfg.Timeout = time.Second

	_, err = Connect(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Connect should fail when nothing is listening")
	}
	if !IsConnectionError(err) {
		t.Errorf("error %T is not a ConnectionError", err)
	}
}

func TestSendPermanentRejection(t *testing.T) {
	backend := &testBackend{reject: "bad@example.com"}
	host, port := startTestServer(t, backend)

	pool, err := Connect(context.Background(), testConfig(host, port), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	err = pool.Send(context.Background(), &dispatch.Message{
		ID: "m1", To: "bad@example.com", Subject: "x", Text: "x",
	})
	if err == nil {
		t.Fatal("Send should fail for the rejected recipient")
	}

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error %T is not a DeliveryError", err)
	}
	if de.Temporary {
		t.Error("a 550 rejection should be categorized as permanent")
	}
	if !strings.Contains(de.Message, "550") {
		t.Errorf("error %q should carry the SMTP response", de.Message)
	}
}

func TestConnectionRotation(t *testing.T) {
	backend := &testBackend{}
	host, port := startTestServer(t, backend)

	cfg := testConfig(host, port)
	cfg.MaxMessages = 1 // rotate after every message

	pool, err := Connect(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	for i := 0; i < 3; i++ {
		msg := &dispatch.Message{ID: "m", To: "rcpt@example.com", Subject: "x", Text: "x"}
		if err := pool.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send() %d error: %v", i, err)
		}
	}

	if backend.delivered() != 3 {
		t.Errorf("delivered %d messages, want 3", backend.delivered())
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{"permanent 550", errors.New("550 5.1.1 no such user"), false},
		{"permanent 554", errors.New("554 rejected"), false},
		{"temporary 451", errors.New("451 try again later"), true},
		{"temporary 421", errors.New("421 service unavailable"), true},
		{"unknown defaults to temporary", errors.New("connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorizeError(tt.err, "RCPT TO")
			if de.Temporary != tt.temporary {
				t.Errorf("Temporary = %v, want %v", de.Temporary, tt.temporary)
			}
			if !strings.Contains(de.Message, "RCPT TO") {
				t.Errorf("message %q should name the stage", de.Message)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Host: "smtp.example.com", Port: 587, FromEmail: "a@b.co"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	for name, bad := range map[string]Config{
		"missing host": {Port: 587, FromEmail: "a@b.co"},
		"bad port":     {Host: "h", Port: 0, FromEmail: "a@b.co"},
		"missing from": {Host: "h", Port: 587},
	} {
		if err := bad.Validate(); err == nil {
			t.Errorf("%s: Validate() should fail", name)
		}
	}
}
