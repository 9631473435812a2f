package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Stage identifies one pipeline stage. Stages run in the order listed.
type Stage string

const (
	StageArchive   Stage = "archive"
	StageFetch     Stage = "fetch"
	StageMerge     Stage = "merge"
	StageTrim      Stage = "trim"
	StageRawDelta  Stage = "raw-delta"
	StageNormDelta Stage = "normalized-delta"
	StageGuard     Stage = "extract-guard"
	StageExtract   Stage = "extract"
)

var stageOrder = []Stage{
	StageArchive,
	StageFetch,
	StageRawDelta,
	StageMerge,
	StageTrim,
	StageNormDelta,
	StageGuard,
	StageExtract,
}

// derivedStages produce only in-memory results (change records, candidate
// sets). They are re-run on resume so later stages always have inputs; all
// their work is pure recomputation from on-disk state.
var derivedStages = map[Stage]bool{
	StageRawDelta:  true,
	StageNormDelta: true,
	StageGuard:     true,
}

func stageIndex(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Status is the lifecycle of a run.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
	StatusDone    Status = "done"
)

// Summary holds the per-stage counts reported on completion.
type Summary struct {
	New         int `json:"new"`
	Changed     int `json:"changed"`
	Unchanged   int `json:"unchanged"`
	Unreachable int `json:"unreachable"`
	Candidates  int `json:"candidates"`
	Extracted   int `json:"extracted"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

// State is the persisted pipeline progress. Exactly one state file exists;
// every stage transition goes through StateFile, never ad hoc writes.
type State struct {
	RunID   string `json:"run_id,omitempty"`
	RunDate string `json:"run_date,omitempty"`
	Status  Status `json:"status"`
	// Stage is the stage currently running, or the failing stage when
	// Status is failed.
	Stage          Stage     `json:"stage,omitempty"`
	Error          string    `json:"error,omitempty"`
	MaxExtractions int       `json:"max_extractions,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	// CompletedRuns counts runs that ever reached done; incremental mode
	// requires at least one.
	CompletedRuns int      `json:"completed_runs"`
	Summary       *Summary `json:"summary,omitempty"`
}

// FailureLabel renders the failed-at-<stage> marker for diagnostics.
func (s State) FailureLabel() string {
	if s.Status != StatusFailed {
		return string(s.Status)
	}
	return fmt.Sprintf("failed-at-%s", s.Stage)
}

// StateFile reads and writes the run state with atomic replace semantics.
type StateFile struct {
	path string
}

func NewStateFile(dataDir string) *StateFile {
	return &StateFile{path: filepath.Join(dataDir, "state", "run_state.json")}
}

// Load returns the persisted state. A missing or corrupt file is treated
// as "no prior run" rather than an error, so the pipeline starts fresh.
func (f *StateFile) Load() State {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return State{Status: StatusIdle}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{Status: StatusIdle}
	}
	if st.Status == "" {
		st.Status = StatusIdle
	}
	return st
}

// Save persists the state via write-to-temp-then-rename.
func (f *StateFile) Save(st State) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".run_state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing run state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing run state: %w", err)
	}
	return nil
}
