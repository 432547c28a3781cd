package mailer

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmate/alert-service/internal/model"
)

func testListings() []model.Listing {
	return []model.Listing{
		{ID: "l1", Title: "React Developer", Company: "Acme", Location: "Paris", SalaryMin: 45000, SalaryMax: 55000, ApplyURL: "https://jobs.example/1"},
		{ID: "l2", Title: "Frontend Engineer", ApplyURL: "https://jobs.example/2"},
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{From: "alerts@jobmate.local"})
	require.Error(t, err)

	_, err = New(Config{Host: "smtp.local", From: "not an address"})
	require.Error(t, err)

	m, err := New(Config{Host: "smtp.local", From: "JobMate <alerts@jobmate.local>"})
	require.NoError(t, err)
	assert.Equal(t, 587, m.cfg.Port)
}

func TestSendAlertDigest_RendersOneMessage(t *testing.T) {
	m, err := New(Config{Host: "smtp.local", From: "JobMate <alerts@jobmate.local>"})
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

	var sent []byte
	var rcpts []string
	m.send = func(_ context.Context, from string, to []string, msg []byte) error {
		assert.Equal(t, "alerts@jobmate.local", from)
		rcpts = to
		sent = msg
		return nil
	}

	id, err := m.SendAlertDigest(context.Background(), "ada@example.com", "Ada", "React Developer", testListings())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id, "<"))
	assert.True(t, strings.HasSuffix(id, "@jobmate.local>"))
	assert.Equal(t, []string{"ada@example.com"}, rcpts)

	msg := string(sent)
	assert.Contains(t, msg, "Message-ID: "+id+"\r\n")
	assert.Contains(t, msg, `To: "Ada" <ada@example.com>`)
	assert.Contains(t, msg, "Hello Ada,")
	assert.Contains(t, msg, `2 new jobs match your alert "React Developer":`)
	assert.Contains(t, msg, "1. React Developer at Acme\r\n   Location: Paris\r\n   Salary: 45000 - 55000\r\n   Apply: https://jobs.example/1")
	assert.Contains(t, msg, "2. Frontend Engineer\r\n   Apply: https://jobs.example/2")
	assert.NotContains(t, msg, "\r\r")
}

func TestSendAlertDigest_TransportErrorPropagates(t *testing.T) {
	m, err := New(Config{Host: "smtp.local", From: "alerts@jobmate.local"})
	require.NoError(t, err)
	boom := errors.New("421 service not available")
	m.send = func(context.Context, string, []string, []byte) error { return boom }

	id, err := m.SendAlertDigest(context.Background(), "ada@example.com", "", "Go", testListings())
	require.ErrorIs(t, err, boom)
	assert.Empty(t, id)
}

func TestSendAlertDigest_InvalidRecipient(t *testing.T) {
	m, err := New(Config{Host: "smtp.local", From: "alerts@jobmate.local"})
	require.NoError(t, err)

	_, err = m.SendAlertDigest(context.Background(), "nope", "", "Go", testListings())
	assert.Error(t, err)
}

func TestSalaryRange(t *testing.T) {
	assert.Equal(t, "45000 - 55000", salaryRange(model.Listing{SalaryMin: 45000, SalaryMax: 55000}))
	assert.Equal(t, "45000", salaryRange(model.Listing{SalaryMin: 45000, SalaryMax: 45000}))
	assert.Equal(t, "up to 60000", salaryRange(model.Listing{SalaryMax: 60000}))
	assert.Empty(t, salaryRange(model.Listing{}))
}

// fakeSMTP speaks just enough SMTP for net/smtp: no STARTTLS, no AUTH.
type fakeSMTP struct {
	ln   net.Listener
	mu   sync.Mutex
	data string
	rcpt []string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeSMTP{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTP) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 fake ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			reply("250-fake")
			reply("250 8BITMIME")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpt = append(s.rcpt, strings.TrimSpace(line))
			s.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.mu.Lock()
			s.data = b.String()
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 unsupported")
		}
	}
}

func TestSendSMTP_DeliversOverTheWire(t *testing.T) {
	srv := startFakeSMTP(t)
	host, portStr, err := net.SplitHostPort(srv.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m, err := New(Config{Host: host, Port: port, From: "alerts@jobmate.local"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := m.SendAlertDigest(ctx, "ada@example.com", "Ada", "React Developer", testListings())
	require.NoError(t, err)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"RCPT TO:<ada@example.com>"}, srv.rcpt)
	assert.Contains(t, srv.data, "Message-ID: "+id)
	assert.Contains(t, srv.data, "React Developer at Acme")
}
