package imapsmtp

import (
	"testing"

	"github.com/emersion/go-imap"
)

func TestFlagsItem(t *testing.T) {
	if got := flagsItem(true); got != imap.StoreItem("+FLAGS.SILENT") {
		t.Errorf("flagsItem(true) = %q", got)
	}
	if got := flagsItem(false); got != imap.StoreItem("-FLAGS.SILENT") {
		t.Errorf("flagsItem(false) = %q", got)
	}
}

func TestRemoteIDRoundTrip(t *testing.T) {
	id := RemoteID("INBOX", 4217)
	if id != "INBOX;4217" {
		t.Fatalf("RemoteID = %q", id)
	}

	mailbox, uid, err := parseRemoteID(id)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if mailbox != "INBOX" || uid != 4217 {
		t.Errorf("parsed %q/%d", mailbox, uid)
	}
}

func TestParseRemoteIDMailboxWithSemicolon(t *testing.T) {
	// The uid separator is the last semicolon, so mailbox names
	// containing one still round-trip.
	mailbox, uid, err := parseRemoteID("Archive;2024;9")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if mailbox != "Archive;2024" || uid != 9 {
		t.Errorf("parsed %q/%d", mailbox, uid)
	}
}

func TestParseRemoteIDRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "INBOX", ";5", "INBOX;notanumber"} {
		if _, _, err := parseRemoteID(bad); err == nil {
			t.Errorf("parseRemoteID(%q) should fail", bad)
		}
	}
}
