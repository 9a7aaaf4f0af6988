package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/velmik/coldsend/internal/dispatch"
)

// Pool defaults. Connection counts and rotation thresholds are tunable
// policy, not a contract.
const (
	DefaultMaxConnections = 5
	DefaultMaxMessages    = 100
	DefaultTimeout        = 30 * time.Second
)

// Config describes a user-supplied SMTP relay.
type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`

	// MaxConnections bounds simultaneous connections to the relay.
	MaxConnections int `yaml:"max_connections"`
	// MaxMessages is the number of sends per connection before rotation.
	MaxMessages int `yaml:"max_messages"`

	Timeout       time.Duration `yaml:"timeout"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
}

// ApplyDefaults fills unset pool settings.
func (c *Config) ApplyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Addr returns the relay address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// FromHeader formats the From header value.
func (c *Config) FromHeader() string {
	if c.FromName == "" {
		return c.FromEmail
	}
	return fmt.Sprintf("%q <%s>", c.FromName, c.FromEmail)
}

// Validate checks required relay settings.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("smtp host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("smtp port %d is invalid", c.Port)
	}
	if c.FromEmail == "" {
		return fmt.Errorf("smtp from_email is required")
	}
	return nil
}

// pooledConn is one live relay connection with its rotation counter.
type pooledConn struct {
	client *smtp.Client
	sent   int
}

// Pool is a bounded pool of authenticated connections to one SMTP relay.
// Connections are verified at Connect time, reused across sends and
// rotated after MaxMessages messages. A Pool is shared only within one
// delivery run.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	// slots bounds the number of checked-out connections.
	slots chan struct{}

	mu     sync.Mutex
	idle   []*pooledConn
	closed bool
}

// Connect opens a connection pool to the relay and actively verifies it
// with a handshake, TLS negotiation and login before returning. A
// misconfigured relay fails here, not on the first of thousands of sends.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConnectionError{Addr: cfg.Addr(), Err: err}
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger.With("component", "smtp", "relay", cfg.Addr()),
		slots:  make(chan struct{}, cfg.MaxConnections),
	}

	// Verification connection: handshake, TLS, AUTH, then a NOOP probe.
	client, err := p.dial(ctx)
	if err != nil {
		return nil, &ConnectionError{Addr: cfg.Addr(), Err: err}
	}
	if err := client.Noop(); err != nil {
		client.Close()
		return nil, &ConnectionError{Addr: cfg.Addr(), Err: err}
	}

	p.idle = append(p.idle, &pooledConn{client: client})
	p.logger.Info("relay verified", "from", cfg.FromEmail, "max_connections", cfg.MaxConnections)

	return p, nil
}

// Send delivers one message through a pooled connection, implementing
// dispatch.Sender. Errors are categorized by SMTP response code into
// temporary and permanent delivery failures.
func (p *Pool) Send(ctx context.Context, msg *dispatch.Message) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return &DeliveryError{Temporary: true, Message: ctx.Err().Error()}
	}
	defer func() { <-p.slots }()

	pc, err := p.get(ctx)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", p.cfg.Addr(), err),
		}
	}

	if err := p.transmit(pc.client, msg); err != nil {
		// A failed exchange leaves the session in an unknown state;
		// drop the connection instead of reusing it.
		pc.client.Close()
		return err
	}

	pc.sent++
	if pc.sent >= p.cfg.MaxMessages {
		p.logger.Debug("rotating connection", "messages", pc.sent)
		pc.client.Quit()
		return nil
	}

	p.put(pc)
	return nil
}

// Close shuts down all idle connections. In-flight sends keep their
// connection until they finish.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, pc := range idle {
		pc.client.Quit()
	}
}

// get pops an idle connection or dials a new one.
func (p *Pool) get(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return pc, nil
	}
	p.mu.Unlock()

	client, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &pooledConn{client: client}, nil
}

func (p *Pool) put(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		pc.client.Quit()
		return
	}
	p.idle = append(p.idle, pc)
}

// dial establishes one authenticated connection to the relay. Port 465
// uses implicit TLS; other ports upgrade with STARTTLS when the server
// offers it.
func (p *Pool) dial(ctx context.Context) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Addr())
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		ServerName:         p.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.cfg.TLSSkipVerify,
	}

	if p.cfg.Port == 465 {
		conn = tls.Client(conn, tlsConfig)
	}

	client := smtp.NewClient(conn)
	client.CommandTimeout = p.cfg.Timeout
	client.SubmissionTimeout = 2 * p.cfg.Timeout

	if err := client.Hello(localName()); err != nil {
		client.Close()
		return nil, err
	}

	if p.cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			// go-smtp only exposes STARTTLS at connection setup, so
			// reconnect and upgrade when the server offers it.
			client.Quit()
			conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr())
			if err != nil {
				return nil, err
			}
			client, err = smtp.NewClientStartTLS(conn, tlsConfig)
			if err != nil {
				return nil, err
			}
			client.CommandTimeout = p.cfg.Timeout
			client.SubmissionTimeout = 2 * p.cfg.Timeout
			if err := client.Hello(localName()); err != nil {
				client.Close()
				return nil, err
			}
		}
	}

	if p.cfg.Username != "" {
		if err := client.Auth(p.saslClient(client)); err != nil {
			client.Close()
			return nil, err
		}
	}

	return client, nil
}

// saslClient picks an AUTH mechanism the relay advertises.
func (p *Pool) saslClient(client *smtp.Client) sasl.Client {
	if ok, mechs := client.Extension("AUTH"); ok {
		if !strings.Contains(mechs, sasl.Plain) && strings.Contains(mechs, sasl.Login) {
			return sasl.NewLoginClient(p.cfg.Username, p.cfg.Password)
		}
	}
	return sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)
}

// transmit runs the MAIL/RCPT/DATA exchange for one message.
func (p *Pool) transmit(client *smtp.Client, msg *dispatch.Message) error {
	if err := client.Mail(p.cfg.FromEmail, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", msg.To))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}

	if _, err := bytes.NewReader(p.buildMessage(msg)).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}

	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	p.logger.Debug("message transmitted", "id", msg.ID, "to", msg.To)
	return nil
}

// buildMessage assembles the RFC 5322 payload for one recipient.
func (p *Pool) buildMessage(msg *dispatch.Message) []byte {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", p.cfg.FromHeader()))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.New().String(), senderDomain(p.cfg.FromEmail)))

	if msg.HTML != "" && msg.Text != "" {
		boundary := uuid.New().String()
		buf.WriteString("MIME-Version: 1.0\r\n")
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary))
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.Text)
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.HTML)
		buf.WriteString("\r\n")

		buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	} else if msg.HTML != "" {
		buf.WriteString("MIME-Version: 1.0\r\n")
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.HTML)
	} else {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(msg.Text)
	}

	return buf.Bytes()
}

func senderDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return "localhost"
}

func localName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "localhost"
}
