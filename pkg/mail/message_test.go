package mail

import (
	"errors"
	"strings"
	"testing"
)

func TestMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		body string
	}{
		{"task", KindTask, "### Objective\nDo the thing\n\n- step one\n- step two"},
		{"status", KindStatus, "worker-2 is idle"},
		{"result", KindResult, "done, see output.txt"},
		{"error", KindError, "failed: disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := New(tt.kind, "master", "worker-2", tt.body, PriorityHigh)

			got, err := Decode(orig.Encode())
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if got.ID != orig.ID {
				t.Errorf("ID = %q, want %q", got.ID, orig.ID)
			}
			if got.Kind != orig.Kind {
				t.Errorf("Kind = %q, want %q", got.Kind, orig.Kind)
			}
			if got.Sender != orig.Sender || got.Recipient != orig.Recipient {
				t.Errorf("route = %s->%s, want %s->%s", got.Sender, got.Recipient, orig.Sender, orig.Recipient)
			}
			if got.Priority != PriorityHigh {
				t.Errorf("Priority = %q, want high", got.Priority)
			}
			if strings.TrimSpace(got.Body) != strings.TrimSpace(tt.body) {
				t.Errorf("Body = %q, want %q", got.Body, tt.body)
			}
			if !got.Verify() {
				t.Error("decoded message failed checksum verification")
			}
		})
	}
}

func TestMessage_TaskIDRoundTrip(t *testing.T) {
	orig := New(KindTask, "master", "worker-1", "body", PriorityMedium)
	orig.TaskID = "task-ab12cd34"

	got, err := Decode(orig.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.TaskID != "task-ab12cd34" {
		t.Errorf("TaskID = %q, want task-ab12cd34", got.TaskID)
	}
	if !got.Verify() {
		t.Error("checksum should remain valid with task metadata present")
	}
}

func TestMessage_TamperDetection(t *testing.T) {
	m := New(KindTask, "master", "worker-1", "original body", PriorityMedium)
	if !m.Verify() {
		t.Fatal("fresh message must verify")
	}

	tampered := m
	tampered.Body = "altered body"
	if tampered.Verify() {
		t.Error("tampered body must fail verification")
	}

	// Restoring the original body restores validity with the original
	// checksum value.
	tampered.Body = "original body"
	if !tampered.Verify() {
		t.Error("restored body must verify again")
	}
	if tampered.Checksum != m.Checksum {
		t.Error("checksum value should be unchanged after restore")
	}
}

func TestMessage_Validate(t *testing.T) {
	m := New(KindTask, "master", "worker-1", "body", PriorityMedium)
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate on a fresh message: %v", err)
	}

	m.Body = "altered"
	if err := m.Validate(); !errors.Is(err, ErrChecksum) {
		t.Errorf("Validate error = %v, want ErrChecksum", err)
	}
}

func TestMessage_ChecksumStripsWhitespace(t *testing.T) {
	a := New(KindTask, "master", "worker-1", "body", PriorityMedium)
	b := a
	b.Body = "\n  body \n\n"
	if a.ComputeChecksum() != b.ComputeChecksum() {
		t.Error("leading/trailing whitespace must not change the checksum")
	}
}

func TestDecode_MalformedDocument(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"no delimiters", "# Task Message\njust text"},
		{"one delimiter", "# Task Message\n---\nmetadata:\n  id: \"x\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.text)
			if !errors.Is(err, ErrMalformedDocument) {
				t.Errorf("Decode(%q) error = %v, want ErrMalformedDocument", tt.name, err)
			}
		})
	}
}

func TestDecode_MissingMetadataFallsBackToDefaults(t *testing.T) {
	// A partially written document with an empty metadata map decodes
	// with protocol defaults rather than failing.
	text := "# Task Message\n---\nmetadata:\n---\n\n## Content\n\nhello\n\n---\nchecksum: \"bogus\"\n"

	m, err := Decode(text)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Sender != DefaultSender {
		t.Errorf("Sender = %q, want %q", m.Sender, DefaultSender)
	}
	if m.Recipient != DefaultRecipient {
		t.Errorf("Recipient = %q, want %q", m.Recipient, DefaultRecipient)
	}
	if m.Kind != KindTask {
		t.Errorf("Kind = %q, want task", m.Kind)
	}
	if m.Priority != PriorityMedium {
		t.Errorf("Priority = %q, want medium", m.Priority)
	}
	if m.ID == "" {
		t.Error("ID should be generated when absent")
	}
	if m.Body != "hello" {
		t.Errorf("Body = %q, want hello", m.Body)
	}
	// Structural decode succeeds even though the checksum is garbage;
	// verification is the caller's explicit step.
	if m.Verify() {
		t.Error("bogus checksum must not verify")
	}
}

func TestEncode_Format(t *testing.T) {
	m := New(KindStatus, "worker-3", "master", "idle", PriorityLow)
	doc := m.Encode()

	for _, want := range []string{
		"# Task Message",
		"metadata:",
		`  id: "` + m.ID + `"`,
		`  type: "status"`,
		`  from: "worker-3"`,
		`  to: "master"`,
		`  priority: "low"`,
		"## Content",
		`checksum: "` + m.Checksum + `"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("encoded document missing %q:\n%s", want, doc)
		}
	}
	if got := strings.Count(doc, "---"); got != 3 {
		t.Errorf("document has %d delimiters, want 3", got)
	}
}
