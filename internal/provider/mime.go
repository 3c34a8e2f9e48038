package provider

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// BuildMIME assembles the RFC 822 message for an outgoing payload,
// including reply headers when the payload carries reply context, and
// returns it together with the generated Message-ID. Bcc recipients
// belong in the transport envelope, never in these bytes: SMTP writes
// them verbatim to the DATA stream and every To/Cc recipient would see
// the list.
func BuildMIME(msg *OutgoingMessage) ([]byte, string) {
	return buildMIME(msg, false)
}

// BuildMIMEWithBcc includes the Bcc header. Only for API backends that
// derive the envelope from headers and strip Bcc before delivery, the
// way Gmail handles Raw sends.
func BuildMIMEWithBcc(msg *OutgoingMessage) ([]byte, string) {
	return buildMIME(msg, true)
}

func buildMIME(msg *OutgoingMessage, includeBcc bool) ([]byte, string) {
	var buf bytes.Buffer

	write := func(k, v string) {
		if v != "" {
			buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
		}
	}

	messageID := fmt.Sprintf("<%s@%s>", randomToken(), domainOf(msg.From))

	write("From", msg.From)
	write("To", strings.Join(msg.To, ", "))
	write("Cc", strings.Join(msg.Cc, ", "))
	if includeBcc {
		write("Bcc", strings.Join(msg.Bcc, ", "))
	}
	write("Subject", msg.Subject)
	write("Date", time.Now().Format(time.RFC1123Z))
	write("Message-ID", messageID)
	write("In-Reply-To", msg.InReplyTo)
	write("References", msg.References)
	buf.WriteString("MIME-Version: 1.0\r\n")

	contentType := "text/plain; charset=\"utf-8\""
	if msg.HTML {
		contentType = "text/html; charset=\"utf-8\""
	}

	if len(msg.Attachments) == 0 {
		buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n\r\n", contentType))
		buf.WriteString(msg.Body)
		buf.WriteString("\r\n")
		return buf.Bytes(), messageID
	}

	boundary := "mixed-" + randomToken()
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", boundary))

	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n\r\n", contentType))
	buf.WriteString(msg.Body)
	buf.WriteString("\r\n")

	for _, att := range msg.Attachments {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString(fmt.Sprintf("Content-Type: %s; name=\"%s\"\r\n", ct, att.Filename))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", att.Filename))

		encoded := base64.StdEncoding.EncodeToString(att.Data)
		// 76-char lines per RFC 2045
		for len(encoded) > 76 {
			buf.WriteString(encoded[:76] + "\r\n")
			encoded = encoded[76:]
		}
		buf.WriteString(encoded + "\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return buf.Bytes(), messageID
}

// SplitAddrs parses comma-separated email addresses.
func SplitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return "localhost"
}

func randomToken() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}
