package pipeline

import (
	"encoding/base64"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Compile-time interface satisfaction check.
var _ EmailSender = (*SendGridSender)(nil)

// SendGridSender delivers result emails through the SendGrid API.
type SendGridSender struct {
	apiKey string
	from   string
}

// NewSendGridSender creates a sender using the given API key and from
// address. Returns nil when the key is empty so the pipeline reports email
// delivery as unconfigured instead of failing requests mid-flight.
func NewSendGridSender(apiKey, from string) *SendGridSender {
	if apiKey == "" {
		return nil
	}
	return &SendGridSender{apiKey: apiKey, from: from}
}

// Send emails the encoded result as an attachment.
func (s *SendGridSender) Send(to, subject, body, filename string, attachment []byte, mimetype string) error {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail("", s.from))
	m.Subject = subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", to))
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", body))

	a := mail.NewAttachment()
	a.SetContent(base64.StdEncoding.EncodeToString(attachment))
	a.SetType(mimetype)
	a.SetFilename(filename)
	a.SetDisposition("attachment")
	m.AddAttachment(a)

	resp, err := sendgrid.NewSendClient(s.apiKey).Send(m)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
