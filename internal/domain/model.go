package domain

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

type BuildStatus string

const (
	StatusStarted   BuildStatus = "started"
	StatusRunning   BuildStatus = "running"
	StatusSuccess   BuildStatus = "success"
	StatusFailure   BuildStatus = "failure"
	StatusCancelled BuildStatus = "cancelled"
)

// Timestamp is encoded on the wire as fractional seconds since the epoch.
type Timestamp struct {
	time.Time
}

func At(t time.Time) Timestamp { return Timestamp{Time: t} }

func (ts Timestamp) Seconds() float64 {
	return float64(ts.UnixMicro()) / 1e6
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, ts.Seconds(), 'f', 6, 64), nil
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		ts.Time = time.Time{}
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	sec, frac := math.Modf(f)
	ts.Time = time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
	return nil
}

type Step struct {
	Name      string      `json:"name"`
	Status    BuildStatus `json:"status"`
	Timestamp Timestamp   `json:"timestamp"`
}

// BuildState is one build run. Values handed out by the store are
// copies; mutating them has no effect on the tracked build.
type BuildState struct {
	ID         string      `json:"id"`
	Repository string      `json:"repository"`
	Branch     string      `json:"branch"`
	Commit     string      `json:"commit"`
	Status     BuildStatus `json:"status"`
	StartTime  Timestamp   `json:"start_time"`
	EndTime    *Timestamp  `json:"end_time"`
	Steps      []Step      `json:"steps"`
	Logs       []string    `json:"logs"`
	Summary    *string     `json:"summary"`
}

func (b BuildState) Completed() bool { return b.EndTime != nil }

func (b BuildState) Clone() BuildState {
	out := b
	out.Steps = make([]Step, len(b.Steps))
	copy(out.Steps, b.Steps)
	out.Logs = make([]string, len(b.Logs))
	copy(out.Logs, b.Logs)
	if b.EndTime != nil {
		end := *b.EndTime
		out.EndTime = &end
	}
	if b.Summary != nil {
		s := *b.Summary
		out.Summary = &s
	}
	return out
}

type InstallationToken struct {
	InstallationID int64
	Token          string
	ExpiresAt      time.Time
}

// CheckRun is the subset of a source-control check run this service reports.
type CheckRun struct {
	ID          int64
	Repository  string
	HeadSHA     string
	Name        string
	Status      string
	Conclusion  string
	StartedAt   time.Time
	CompletedAt time.Time
	Title       string
	Summary     string
}

// Snapshot is the latest build seen for a repository by a watching client.
type Snapshot struct {
	Repository string
	Build      BuildState
	Retrieved  int64
}
