package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"forge/pkg/fsutil"
)

// FileHistoryStore persists error records as one JSON array per agent
// under cache/error_records/. Writes are atomic so a crashed writer never
// leaves a truncated history behind.
type FileHistoryStore struct {
	dir string
}

// NewFileHistoryStore creates the store rooted at workDir.
func NewFileHistoryStore(workDir string) (*FileHistoryStore, error) {
	dir := filepath.Join(workDir, "cache", "error_records")
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &FileHistoryStore{dir: dir}, nil
}

func (s *FileHistoryStore) pathFor(agentID string) string {
	return filepath.Join(s.dir, agentID+".json")
}

// History returns all recorded errors for the agent, oldest first. A
// missing file is an empty history.
func (s *FileHistoryStore) History(agentID string) ([]ErrorRecord, error) {
	data, err := os.ReadFile(s.pathFor(agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read error history for %s: %w", agentID, err)
	}
	var records []ErrorRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse error history for %s: %w", agentID, err)
	}
	return records, nil
}

// Append adds a record to the agent's history.
func (s *FileHistoryStore) Append(rec ErrorRecord) error {
	records, err := s.History(rec.AgentID)
	if err != nil {
		return err
	}
	records = append(records, rec)
	return s.write(rec.AgentID, records)
}

// UpdateLast replaces the most recent record for the agent. Updating an
// empty history is equivalent to Append.
func (s *FileHistoryStore) UpdateLast(agentID string, rec ErrorRecord) error {
	records, err := s.History(agentID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		records = append(records, rec)
	} else {
		records[len(records)-1] = rec
	}
	return s.write(agentID, records)
}

func (s *FileHistoryStore) write(agentID string, records []ErrorRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal error history for %s: %w", agentID, err)
	}
	if err := fsutil.WriteFileAtomic(s.pathFor(agentID), data, 0o600); err != nil {
		return fmt.Errorf("write error history for %s: %w", agentID, err)
	}
	return nil
}
