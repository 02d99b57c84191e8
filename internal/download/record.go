package download

import (
	"math"
	"slices"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Terminal reports whether no further transport events are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Active reports whether the record is in-flight work.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusDownloading || s == StatusPaused
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusPaused, StatusCompleted, StatusError:
		return true
	}

	return false
}

// Kind tells leaf downloads apart from the group records that aggregate them.
type Kind string

const (
	KindSingle Kind = "single"
	KindGroup  Kind = "group"
	KindMember Kind = "member"
)

// Record is the canonical state of one download or group install.
type Record struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	TotalBytes      int64     `json:"totalBytes"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	Speed           float64   `json:"speed"`
	Path            string    `json:"path,omitempty"`
	ProfileUsername string    `json:"profileUsername,omitempty"`

	Kind     Kind   `json:"kind"`
	GroupID  string `json:"groupId,omitempty"`
	Filename string `json:"filename,omitempty"`
	SHA1     string `json:"sha1,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (r Record) IsGroup() bool {
	return r.Kind == KindGroup
}

// visibleTo reports whether the record belongs to profile or is untagged.
// An empty profile sees everything.
func (r Record) visibleTo(profile string) bool {
	return profile == "" || r.ProfileUsername == "" || r.ProfileUsername == profile
}

// File is one entry of a group install.
type File struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	DisplayName string `json:"displayName,omitempty"`
	SHA1        string `json:"sha1,omitempty"`
}

func (f File) label() string {
	if f.DisplayName != "" {
		return f.DisplayName
	}

	return f.Filename
}

// GroupProgress is the side-table entry of a running group install.
type GroupProgress struct {
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
	Members   []string `json:"members"`

	// estimatedBytes is the heuristic total fixed at creation. The group total is never
	// re-baselined below it.
	estimatedBytes int64
}

func (g *GroupProgress) clone() *GroupProgress {
	if g == nil {
		return nil
	}

	c := *g
	c.Members = append([]string(nil), g.Members...)

	return &c
}

func (g *GroupProgress) contains(id string) bool {
	return slices.Contains(g.Members, id)
}

// Filter narrows ListAll. Zero values match everything.
type Filter struct {
	Statuses []Status
	Kinds    []Kind
}

func (f Filter) match(r Record) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}

	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, r.Kind) {
		return false
	}

	return true
}

// percentOf returns round(100 * done / total) clamped to [0, 100]; zero totals report 0.
func percentOf(done, total int64) int {
	if total <= 0 {
		return 0
	}

	p := int(math.Round(100 * float64(done) / float64(total)))

	return min(max(p, 0), 100)
}

// speedOf is bytes per second since start.
func speedOf(done int64, start, now time.Time) float64 {
	elapsed := now.Sub(start).Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(done) / elapsed
}
