// Package mail implements the file-based message protocol between forge
// agents: a self-describing Markdown document with a metadata block, a
// content block, and an integrity checksum trailer, routed through
// per-agent directories under <workdir>/communication.
package mail

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Kind classifies a message.
type Kind string

// Message kind constants.
const (
	KindTask   Kind = "task"
	KindStatus Kind = "status"
	KindResult Kind = "result"
	KindError  Kind = "error"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindStatus, KindResult, KindError:
		return true
	}
	return false
}

// Priority orders messages and tasks.
type Priority string

// Priority constants, highest first.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Rank returns the sort rank of a priority: high sorts before medium
// before low. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Protocol defaults applied when a decoded document is missing metadata.
// The protocol favors best-effort recovery of partially written files over
// hard rejection, so absent keys fall back rather than fail.
const (
	DefaultSender    = "master"
	DefaultRecipient = "worker-1"
)

// Message is one unit of agent-to-agent communication. A Message is
// immutable once its checksum is computed: mutating Body afterwards
// invalidates the checksum, which is exactly how corruption is detected.
type Message struct {
	ID        string
	Kind      Kind
	Sender    string
	Recipient string
	Timestamp string
	Priority  Priority
	// TaskID carries task correlation metadata inside the structured
	// metadata block so consumers never have to parse filenames.
	TaskID   string
	Body     string
	Checksum string
}

// New creates a Message with a fresh ID and timestamp and a computed
// checksum. kind and priority fall back to task/medium when invalid.
func New(kind Kind, sender, recipient, body string, priority Priority) Message {
	if !kind.Valid() {
		kind = KindTask
	}
	if !priority.Valid() {
		priority = PriorityMedium
	}
	m := Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Priority:  priority,
		Body:      body,
	}
	m.Checksum = m.ComputeChecksum()
	return m
}

// ComputeChecksum returns the SHA-256 hex digest over the message identity
// and whitespace-trimmed body. Strings are hashed as UTF-8, so the digest
// is stable across platforms.
func (m Message) ComputeChecksum() string {
	h := sha256.New()
	h.Write([]byte(m.ID))
	h.Write([]byte(m.Kind))
	h.Write([]byte(m.Sender))
	h.Write([]byte(m.Recipient))
	h.Write([]byte(strings.TrimSpace(m.Body)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the stored checksum matches the recomputed one.
func (m Message) Verify() bool {
	return m.Checksum == m.ComputeChecksum()
}

// Validate returns an ErrChecksum-wrapped error when the message's stored
// checksum does not match its content, nil otherwise.
func (m Message) Validate() error {
	if !m.Verify() {
		return fmt.Errorf("message %s: %w", m.ID, ErrChecksum)
	}
	return nil
}

// Filename returns the mailbox filename for this message: <id>_<kind>.md.
func (m Message) Filename() string {
	return fmt.Sprintf("%s_%s.md", m.ID, m.Kind)
}

// delimiter separates the document regions. Metadata values are written
// quoted so the delimiter cannot appear inside them.
const delimiter = "---"

// Encode renders the message as a Markdown document with three delimited
// regions: metadata, content, and the checksum trailer.
func (m Message) Encode() string {
	var b strings.Builder
	b.WriteString("# Task Message\n")
	b.WriteString(delimiter + "\n")
	b.WriteString("metadata:\n")
	writeMeta := func(key, value string) {
		fmt.Fprintf(&b, "  %s: %q\n", key, value)
	}
	writeMeta("id", m.ID)
	writeMeta("type", string(m.Kind))
	writeMeta("from", m.Sender)
	writeMeta("to", m.Recipient)
	writeMeta("timestamp", m.Timestamp)
	writeMeta("priority", string(m.Priority))
	if m.TaskID != "" {
		writeMeta("task", m.TaskID)
	}
	b.WriteString(delimiter + "\n\n")
	b.WriteString("## Content\n\n")
	b.WriteString(m.Body)
	b.WriteString("\n\n")
	b.WriteString(delimiter + "\n")
	fmt.Fprintf(&b, "checksum: %q\n", m.Checksum)
	return b.String()
}

// metadataDoc is the YAML shape of the metadata region.
type metadataDoc struct {
	Metadata map[string]string `yaml:"metadata"`
}

// Decode parses a Markdown document back into a Message. It fails with
// ErrMalformedDocument when the region structure is unrecognizable, but it
// does NOT verify the checksum: a structurally valid document with a stale
// checksum decodes fine. Checksum validity is a separate, explicit check
// the consumer performs via Verify before trusting the content.
func Decode(text string) (Message, error) {
	parts := strings.Split(text, delimiter)
	if len(parts) < 3 {
		return Message{}, fmt.Errorf("%w: expected at least 3 delimited regions, got %d", ErrMalformedDocument, len(parts))
	}

	metaRegion := strings.TrimSpace(parts[1])
	if !strings.HasPrefix(metaRegion, "metadata:") {
		return Message{}, fmt.Errorf("%w: metadata block not found", ErrMalformedDocument)
	}
	var doc metadataDoc
	if err := yaml.Unmarshal([]byte(metaRegion), &doc); err != nil {
		return Message{}, fmt.Errorf("%w: parse metadata: %v", ErrMalformedDocument, err)
	}
	meta := doc.Metadata

	body := ""
	contentRegion := strings.TrimSpace(parts[2])
	if _, after, found := strings.Cut(contentRegion, "## Content"); found {
		body = strings.TrimSpace(after)
	}

	checksum := ""
	if len(parts) > 3 {
		trailer := strings.TrimSpace(parts[3])
		if _, after, found := strings.Cut(trailer, "checksum:"); found {
			checksum = strings.Trim(strings.TrimSpace(after), `"`)
		}
	}

	m := Message{
		ID:        metaOr(meta, "id", uuid.NewString()),
		Kind:      Kind(metaOr(meta, "type", string(KindTask))),
		Sender:    metaOr(meta, "from", DefaultSender),
		Recipient: metaOr(meta, "to", DefaultRecipient),
		Timestamp: metaOr(meta, "timestamp", time.Now().UTC().Format(time.RFC3339)),
		Priority:  Priority(metaOr(meta, "priority", string(PriorityMedium))),
		TaskID:    meta["task"],
		Body:      body,
		Checksum:  checksum,
	}
	return m, nil
}

// metaOr returns meta[key] or fallback when the key is absent or empty.
func metaOr(meta map[string]string, key, fallback string) string {
	if v, ok := meta[key]; ok && v != "" {
		return v
	}
	return fallback
}
