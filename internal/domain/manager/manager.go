// Package manager defines the compute-manager registry's domain types: the
// managers themselves and their append-only heartbeat snapshots.
package manager

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a compute manager.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// WildcardTag matches any tag on either side of a comparison.
const WildcardTag = "*"

// Manager tracks one registered compute worker.
type Manager struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Cluster    string            `json:"cluster"`
	Hostname   string            `json:"hostname"`
	Username   string            `json:"username"`
	Tags       []string          `json:"tags"`
	Programs   map[string]string `json:"programs"`
	Status     Status            `json:"status"`
	Counters   Counters          `json:"counters"`
	Gauges     Gauges            `json:"gauges"`
	CreatedOn  time.Time         `json:"created_on"`
	ModifiedOn time.Time         `json:"modified_on"`
}

// Counters are monotone-non-decreasing cumulative totals within a manager's
// lifetime (invariant 7).
type Counters struct {
	Claimed   int64 `json:"claimed"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rejected  int64 `json:"rejected"`
}

// Gauges are point-in-time activity measurements reported on each heartbeat.
type Gauges struct {
	ActiveTasks        int     `json:"active_tasks"`
	ActiveCores        int     `json:"active_cores"`
	ActiveMemory       float64 `json:"active_memory"`
	TotalWorkerWalltime float64 `json:"total_worker_walltime"`
	TotalTaskWalltime   float64 `json:"total_task_walltime"`
}

// Log is one append-only heartbeat/counter snapshot (invariant 7: never
// rewritten).
type Log struct {
	ID       int64     `json:"id"`
	ManagerID int64    `json:"manager_id"`
	Counters Counters  `json:"counters"`
	Gauges   Gauges    `json:"gauges"`
	LoggedOn time.Time `json:"logged_on"`
}

// NewName builds a manager name baking in (cluster, hostname, a UUID suffix)
// so names stay unique across restarts (invariant 5).
func NewName(cluster, hostname string) string {
	suffix := uuid.NewString()[:8]
	cluster = strings.ToLower(strings.TrimSpace(cluster))
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	return fmt.Sprintf("%s-%s-%s", cluster, hostname, suffix)
}

// NormalizeTags lowercases, trims, and deduplicates a tag list while
// preserving the caller's declared precedence order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// NormalizePrograms lowercases program names and versions.
func NormalizePrograms(programs map[string]string) map[string]string {
	out := make(map[string]string, len(programs))
	for name, version := range programs {
		out[strings.ToLower(strings.TrimSpace(name))] = strings.ToLower(strings.TrimSpace(version))
	}
	return out
}

// TagMatches reports whether a task's tag is eligible for a manager's
// declared tag, honoring the wildcard on either side (spec §4.2).
func TagMatches(taskTag, managerTag string) bool {
	if taskTag == WildcardTag || managerTag == WildcardTag {
		return true
	}
	return taskTag == managerTag
}

// ProgramsSatisfy reports whether required ⊆ keys(available) (spec §4.2).
func ProgramsSatisfy(required []string, available map[string]string) bool {
	for _, prog := range required {
		if _, ok := available[strings.ToLower(prog)]; !ok {
			return false
		}
	}
	return true
}

// IsExpired reports whether the manager has missed more than maxMissed
// heartbeats given the configured frequency (spec §4.5 heartbeat policy).
func (m Manager) IsExpired(now time.Time, frequency time.Duration, maxMissed int) bool {
	threshold := now.Add(-time.Duration(maxMissed) * frequency)
	return m.ModifiedOn.Before(threshold)
}
