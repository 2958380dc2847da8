package dispatch

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"github.com/carewire/carewire/internal/subscription"
)

// EmailSender sends one message. Implementations decide transport; the
// handler only prepares addressing and body form.
type EmailSender interface {
	Send(ctx context.Context, to, subject, contentType string, body []byte) error
}

// EmailHandler delivers notifications to mailto: endpoints. The contentType
// may carry an ";attach=<mime>" parameter asking for the bundle to be framed
// as an attachment of that type instead of an inline body.
type EmailHandler struct {
	sender EmailSender
}

func NewEmailHandler(sender EmailSender) *EmailHandler {
	return &EmailHandler{sender: sender}
}

func (h *EmailHandler) Deliver(ctx context.Context, sub subscription.Snapshot, payload []byte, contentType string) error {
	to := strings.TrimPrefix(sub.Def.Channel.Endpoint, "mailto:")
	if to == "" {
		return Fatal(fmt.Errorf("email endpoint %q has no address", sub.Def.Channel.Endpoint))
	}

	// The attach parameter value is an unquoted media type, which the mime
	// package rejects, so it is peeled off before parsing.
	mediaType, attach := contentType, ""
	if i := strings.Index(contentType, ";attach="); i >= 0 {
		mediaType = strings.TrimSpace(contentType[:i])
		attach = strings.TrimSpace(contentType[i+len(";attach="):])
	}
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = mt
	}
	if mediaType == "" {
		mediaType = "application/fhir+json"
	}
	body := payload
	bodyType := mediaType
	if attach != "" {
		// plain-text body with the bundle framed as a named attachment
		bodyType = "multipart/mixed"
		body = buildAttachmentBody(mediaType, attach, payload)
	}

	subject := "Subscription notification " + sub.ID
	if err := h.sender.Send(ctx, to, subject, bodyType, body); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	return nil
}

const attachmentBoundary = "carewire-notification"

func buildAttachmentBody(bodyType, attachType string, payload []byte) []byte {
	var sb strings.Builder
	sb.WriteString("--" + attachmentBoundary + "\r\n")
	sb.WriteString("Content-Type: " + bodyType + "\r\n\r\n")
	sb.WriteString("A subscription notification is attached.\r\n")
	sb.WriteString("--" + attachmentBoundary + "\r\n")
	sb.WriteString("Content-Type: " + attachType + "\r\n")
	sb.WriteString("Content-Disposition: attachment; filename=\"notification.json\"\r\n\r\n")
	sb.Write(payload)
	sb.WriteString("\r\n--" + attachmentBoundary + "--\r\n")
	return []byte(sb.String())
}

// SMTPSender delivers mail through a plain SMTP relay.
type SMTPSender struct {
	addr string
	from string
}

func NewSMTPSender(host string, port int, from string) *SMTPSender {
	return &SMTPSender{addr: fmt.Sprintf("%s:%d", host, port), from: from}
}

func (s *SMTPSender) Send(_ context.Context, to, subject, contentType string, body []byte) error {
	var msg strings.Builder
	msg.WriteString("From: " + s.from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	if strings.HasPrefix(contentType, "multipart/mixed") {
		msg.WriteString("Content-Type: multipart/mixed; boundary=" + attachmentBoundary + "\r\n")
	} else {
		msg.WriteString("Content-Type: " + contentType + "\r\n")
	}
	msg.WriteString("\r\n")
	msg.Write(body)

	if err := smtp.SendMail(s.addr, nil, s.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp %s: %w", s.addr, err)
	}
	return nil
}
