// Package ids generates the identifier formats used for session groups,
// command queues, and synthetic task ids, and provides the Clock
// collaborator every timestamp in the system goes through.
package ids

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so tests can fast-forward it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current instant.
func (SystemClock) Now() time.Time { return time.Now() }

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLen = 20

// Slugify lowercases name, replaces runs of non [a-z0-9] characters with
// a single '-', truncates to 20 characters, and strips a trailing '-'.
// An empty or all-punctuation input falls back to a random-suffixed slug
// so callers never receive an empty identifier component.
func Slugify(name string) string {
	lowered := strings.ToLower(name)
	slug := nonAlnum.ReplaceAllString(lowered, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
	}
	slug = strings.TrimRight(slug, "-")
	if slug == "" {
		return "item-" + uuid.NewString()[:8]
	}
	return slug
}

// NewGroupOrQueueID builds the YYYYMMDD-HHMMSS-{slug} identifier format
// shared by session groups and command queues.
func NewGroupOrQueueID(clock Clock, name string) string {
	ts := clock.Now().UTC().Format("20060102-150405")
	return ts + "-" + Slugify(name)
}

// TaskID returns the synthetic task id for the given 0-based index
// within a session's task list.
func TaskID(index int) string {
	return "task-" + strconv.Itoa(index)
}

// NewUUID returns a fresh random id, used for queue command ids.
func NewUUID() string {
	return uuid.NewString()
}
