// Package mailer sends alert digests over SMTP.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"jobmate/alert-service/internal/model"
)

const defaultTimeout = 30 * time.Second

// Config configures an SMTPMailer.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer renders a plain-text digest and delivers it to one recipient.
type SMTPMailer struct {
	cfg  Config
	from mail.Address
	tmpl *template.Template
	now  func() time.Time
	send func(ctx context.Context, from string, to []string, msg []byte) error
}

var digestTemplate = template.Must(template.New("digest").Funcs(template.FuncMap{
	"salary": salaryRange,
	"inc":    func(i int) int { return i + 1 },
}).Parse(`Hello {{.Name}},

{{len .Listings}} new job{{if gt (len .Listings) 1}}s{{end}} match your alert "{{.AlertTitle}}":
{{range $i, $l := .Listings}}
{{inc $i}}. {{$l.Title}}{{if $l.Company}} at {{$l.Company}}{{end}}
   {{- if $l.Location}}
   Location: {{$l.Location}}{{end}}
   {{- with salary $l}}
   Salary: {{.}}{{end}}
   Apply: {{$l.ApplyURL}}
{{end}}
You receive this email because the alert is active in JobMate.
`))

// New validates cfg and returns a mailer.
func New(cfg Config) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mailer: SMTP host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("mailer: invalid from address %q: %w", cfg.From, err)
	}
	m := &SMTPMailer{cfg: cfg, from: *from, tmpl: digestTemplate, now: time.Now}
	m.send = m.sendSMTP
	return m, nil
}

// SendAlertDigest sends one message listing every new listing of an alert and
// returns its Message-ID.
func (m *SMTPMailer) SendAlertDigest(ctx context.Context, toEmail, toName, alertTitle string, listings []model.Listing) (string, error) {
	to, err := mail.ParseAddress(toEmail)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", toEmail, err)
	}
	to.Name = toName

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), m.domain())
	msg, err := m.render(messageID, *to, alertTitle, listings)
	if err != nil {
		return "", err
	}
	if err := m.send(ctx, m.from.Address, []string{to.Address}, msg); err != nil {
		return "", fmt.Errorf("send digest to %s: %w", to.Address, err)
	}
	return messageID, nil
}

func (m *SMTPMailer) domain() string {
	if i := strings.LastIndex(m.from.Address, "@"); i >= 0 {
		return m.from.Address[i+1:]
	}
	return m.cfg.Host
}

func (m *SMTPMailer) render(messageID string, to mail.Address, alertTitle string, listings []model.Listing) ([]byte, error) {
	name := to.Name
	if name == "" {
		name = "there"
	}
	var body bytes.Buffer
	err := m.tmpl.Execute(&body, struct {
		Name       string
		AlertTitle string
		Listings   []model.Listing
	}{name, alertTitle, listings})
	if err != nil {
		return nil, fmt.Errorf("render digest: %w", err)
	}

	subject := fmt.Sprintf("%d new job(s) for %q", len(listings), alertTitle)
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.from.String())
	fmt.Fprintf(&msg, "To: %s\r\n", to.String())
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: %s\r\n", messageID)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}

func salaryRange(l model.Listing) string {
	switch {
	case l.SalaryMin > 0 && l.SalaryMax > 0 && l.SalaryMax != l.SalaryMin:
		return fmt.Sprintf("%.0f - %.0f", l.SalaryMin, l.SalaryMax)
	case l.SalaryMin > 0:
		return fmt.Sprintf("%.0f", l.SalaryMin)
	case l.SalaryMax > 0:
		return fmt.Sprintf("up to %.0f", l.SalaryMax)
	}
	return ""
}

// sendSMTP delivers msg with STARTTLS when offered and PLAIN auth when
// credentials are configured. ctx bounds the whole session.
func (m *SMTPMailer) sendSMTP(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end DATA: %w", err)
	}
	return c.Quit()
}
