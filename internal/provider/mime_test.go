package provider

import (
	"strings"
	"testing"
)

func TestBuildMIMEBasicHeaders(t *testing.T) {
	raw, messageID := BuildMIME(&OutgoingMessage{
		From:    "alice@example.com",
		To:      []string{"bob@example.com", "carol@example.com"},
		Subject: "quarterly numbers",
		Body:    "see below",
	})
	s := string(raw)

	if !strings.Contains(s, "From: alice@example.com\r\n") {
		t.Error("missing From header")
	}
	if !strings.Contains(s, "To: bob@example.com, carol@example.com\r\n") {
		t.Error("missing joined To header")
	}
	if !strings.Contains(s, "Subject: quarterly numbers\r\n") {
		t.Error("missing Subject header")
	}
	if !strings.Contains(s, "Message-ID: "+messageID) {
		t.Errorf("message id %q not present in headers", messageID)
	}
	if !strings.HasPrefix(messageID, "<") || !strings.HasSuffix(messageID, "@example.com>") {
		t.Errorf("message id %q not anchored to sender domain", messageID)
	}
	if !strings.Contains(s, "Content-Type: text/plain") {
		t.Error("plain body should be text/plain")
	}
}

func TestBuildMIMEOmitsBcc(t *testing.T) {
	msg := &OutgoingMessage{
		From:    "alice@example.com",
		To:      []string{"bob@example.com"},
		Bcc:     []string{"secret@example.com"},
		Subject: "hush",
		Body:    "for your eyes only",
	}

	raw, _ := BuildMIME(msg)
	if strings.Contains(string(raw), "secret@example.com") {
		t.Error("bcc recipient leaked into the message bytes")
	}

	// Gmail takes the envelope from headers and strips Bcc itself.
	raw, _ = BuildMIMEWithBcc(msg)
	if !strings.Contains(string(raw), "Bcc: secret@example.com\r\n") {
		t.Error("header-envelope variant should carry the Bcc header")
	}
}

func TestBuildMIMEReplyHeaders(t *testing.T) {
	raw, _ := BuildMIME(&OutgoingMessage{
		From:       "alice@example.com",
		To:         []string{"bob@example.com"},
		Subject:    "Re: hello",
		Body:       "replying",
		InReplyTo:  "<orig@example.com>",
		References: "<root@example.com> <orig@example.com>",
	})
	s := string(raw)

	if !strings.Contains(s, "In-Reply-To: <orig@example.com>\r\n") {
		t.Error("missing In-Reply-To")
	}
	if !strings.Contains(s, "References: <root@example.com> <orig@example.com>\r\n") {
		t.Error("missing References")
	}
}

func TestBuildMIMEAttachments(t *testing.T) {
	raw, _ := BuildMIME(&OutgoingMessage{
		From:    "alice@example.com",
		To:      []string{"bob@example.com"},
		Subject: "with file",
		Body:    "attached",
		Attachments: []Attachment{
			{Filename: "report.txt", ContentType: "text/plain", Data: []byte("hello world")},
		},
	})
	s := string(raw)

	if !strings.Contains(s, "multipart/mixed") {
		t.Fatal("attachment message should be multipart/mixed")
	}
	if !strings.Contains(s, `filename="report.txt"`) {
		t.Error("missing attachment filename")
	}
	if !strings.Contains(s, "Content-Transfer-Encoding: base64") {
		t.Error("attachment should be base64 encoded")
	}
	// "hello world" in base64
	if !strings.Contains(s, "aGVsbG8gd29ybGQ=") {
		t.Error("attachment content not encoded")
	}
}

func TestBuildMIMEHTMLBody(t *testing.T) {
	raw, _ := BuildMIME(&OutgoingMessage{
		From: "alice@example.com",
		To:   []string{"bob@example.com"},
		Body: "<p>hi</p>",
		HTML: true,
	})
	if !strings.Contains(string(raw), "Content-Type: text/html") {
		t.Error("html body should be text/html")
	}
}

func TestSplitAddrs(t *testing.T) {
	got := SplitAddrs(" a@x.com, b@y.com ,,c@z.com ")
	want := []string{"a@x.com", "b@y.com", "c@z.com"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if out := SplitAddrs(""); out != nil {
		t.Errorf("empty input should give nil, got %v", out)
	}
}
