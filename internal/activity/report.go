package activity

import (
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/activitybridge/internal/native"
)

// Process is what the focused-window provider knows about a process.
type Process struct {
	Name string `json:"name"`
	PID  uint32 `json:"pid"`
	Icon string `json:"icon,omitempty"`
}

// Kind discriminates reports.
type Kind string

const (
	KindNewActivity Kind = "new_activity"
	KindAssets      Kind = "assets"
	KindSnapshots   Kind = "snapshots"
)

// NewActivity announces that the user moved to a different page or site.
// URL is empty for activities built from process information alone.
type NewActivity struct {
	Name        string `json:"name"`
	Icon        string `json:"icon,omitempty"`
	ProcessName string `json:"process_name"`
	URL         string `json:"url,omitempty"`
}

// Report is one item on a subscription's report stream. Exactly one of
// Activity, Assets or Snapshots is set, according to Kind.
type Report struct {
	ID         string            `json:"id"`
	Session    string            `json:"session"`
	Kind       Kind              `json:"kind"`
	BrowserPID uint32            `json:"browser_pid"`
	At         time.Time         `json:"at"`
	Activity   *NewActivity      `json:"activity,omitempty"`
	Assets     []native.Asset    `json:"assets,omitempty"`
	Snapshots  []native.Snapshot `json:"snapshots,omitempty"`
}

func newReport(session string, pid uint32, kind Kind) Report {
	return Report{ID: uuid.NewString(), Session: session, Kind: kind, BrowserPID: pid, At: time.Now().UTC()}
}

func activityFromMetadata(md native.Metadata, p Process) *NewActivity {
	a := &NewActivity{Name: md.Title, Icon: md.Icon, ProcessName: p.Name, URL: md.URL}
	if a.Name == "" {
		if host, ok := hostOf(md.URL); ok {
			a.Name = host
		} else {
			a.Name = p.Name
		}
	}
	if a.Icon == "" {
		a.Icon = p.Icon
	}
	return a
}

func activityFromProcess(p Process) *NewActivity {
	return &NewActivity{Name: p.Name, Icon: p.Icon, ProcessName: p.Name}
}
