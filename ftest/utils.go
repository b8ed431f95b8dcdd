package ftest

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"aaronromeo.com/tabellarium/pkg/mock"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
)

const (
	DefaultUser   = "username"
	DefaultPass   = "password"
	DefaultFolder = "Tasks"
)

type MailboxMessage struct {
	Mailbox string
	From    string
	To      string
	Subject string
	Body    string
	Raw     string
	Flags   []string
	Time    time.Time
}

// Server is an in-memory IMAP server listening on the loopback interface.
type Server struct {
	Host      string
	Port      int
	Secure    bool
	ClientTLS *tls.Config

	user backend.User
}

// SetupIMAPServer starts a server with an empty INBOX, the extra mailboxes and
// the messages appended in order. UIDs start at 1 in every mailbox.
func SetupIMAPServer(t *testing.T, secure bool, extraMailboxes []string, messages []MailboxMessage) *Server {
	t.Helper()

	be := memory.New()
	user, err := be.Login(nil, DefaultUser, DefaultPass)
	if err != nil {
		t.Fatalf("login to backend: %v", err)
	}
	inbox := mailbox(t, user, "INBOX")
	inbox.Messages = nil

	for _, name := range extraMailboxes {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if err := user.CreateMailbox(name); err != nil {
			t.Fatalf("create mailbox %q: %v", name, err)
		}
	}

	for _, msg := range messages {
		name := strings.TrimSpace(msg.Mailbox)
		if name == "" {
			name = DefaultFolder
		}
		raw := msg.Raw
		if raw == "" {
			raw = SampleMessage(msg.From, msg.To, msg.Subject, msg.Body)
		}
		appendTime := msg.Time
		if appendTime.IsZero() {
			appendTime = time.Now()
		}
		flags := append([]string(nil), msg.Flags...)
		if err := mailbox(t, user, name).CreateMessage(flags, appendTime, mock.NewStringLiteral(raw)); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	srv := server.New(be)
	srv.AllowInsecureAuth = true
	srv.ErrorLog = slog.NewLogLogger(mock.SetupLogger(t).Handler(), slog.LevelWarn)

	var ln net.Listener
	var clientTLS *tls.Config
	if secure {
		serverTLS, pool := testTLSConfig(t)
		clientTLS = &tls.Config{RootCAs: pool}
		ln, err = tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		_ = srv.Close()
		_ = ln.Close()
		select {
		case <-errCh:
		case <-time.After(time.Second):
		}
	})

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	return &Server{
		Host:      host,
		Port:      port,
		Secure:    secure,
		ClientTLS: clientTLS,
		user:      user,
	}
}

// Flags returns the current flags of a message, or nil when it is gone.
func (s *Server) Flags(t *testing.T, name string, uid uint32) []string {
	t.Helper()
	for _, msg := range mailbox(t, s.user, name).Messages {
		if msg.Uid == uid {
			return append([]string(nil), msg.Flags...)
		}
	}
	return nil
}

// UIDs lists the messages still present in a mailbox.
func (s *Server) UIDs(t *testing.T, name string) []uint32 {
	t.Helper()
	var uids []uint32
	for _, msg := range mailbox(t, s.user, name).Messages {
		uids = append(uids, msg.Uid)
	}
	return uids
}

// SetFlags overwrites the flags of a message behind the client's back.
func (s *Server) SetFlags(t *testing.T, name string, uid uint32, flags ...string) {
	t.Helper()
	for _, msg := range mailbox(t, s.user, name).Messages {
		if msg.Uid == uid {
			msg.Flags = flags
			return
		}
	}
	t.Fatalf("message %d not found in %s", uid, name)
}

func mailbox(t *testing.T, user backend.User, name string) *memory.Mailbox {
	t.Helper()
	mbox, err := user.GetMailbox(name)
	if err != nil {
		t.Fatalf("get mailbox %q: %v", name, err)
	}
	memMbox, ok := mbox.(*memory.Mailbox)
	if !ok {
		t.Fatalf("unexpected mailbox type %T", mbox)
	}
	return memMbox
}

func SampleMessage(from, to, subject, body string) string {
	builder := &strings.Builder{}
	builder.WriteString("From: ")
	builder.WriteString(from)
	builder.WriteString("\r\n")
	builder.WriteString("To: ")
	builder.WriteString(to)
	builder.WriteString("\r\n")
	builder.WriteString("Subject: ")
	builder.WriteString(subject)
	builder.WriteString("\r\n")
	builder.WriteString("Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n")
	builder.WriteString("Message-ID: <")
	builder.WriteString(strings.ReplaceAll(strings.ToLower(subject), " ", "-"))
	builder.WriteString("@example.com>\r\n")
	builder.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(body)
	builder.WriteString("\r\n")
	return builder.String()
}

// MultipartMessage builds a multipart/alternative message with a text and an
// html part.
func MultipartMessage(subject, text, html string) string {
	var b bytes.Buffer
	b.WriteString("From: Sender <sender@example.com>\r\n")
	b.WriteString("To: User <user@example.com>\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/alternative; boundary=\"b1\"\r\n")
	b.WriteString("\r\n")
	b.WriteString("--b1\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(text + "\r\n")
	b.WriteString("--b1\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(html + "\r\n")
	b.WriteString("--b1--\r\n")
	return b.String()
}

func testTLSConfig(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("generate serial: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(parsed)

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}, pool
}
