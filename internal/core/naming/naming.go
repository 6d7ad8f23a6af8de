// Package naming derives container names for scanner runs.
//
// A name embeds the availability zone, scanner id, image and dispatch
// timestamp. "Already running" checks are prefix scans over container
// names. This is best effort: two dispatchers racing on the same rootbox
// can both miss each other.
package naming

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

const prefix = "scanner-"

// Scheme builds and parses scanner container names for one zone.
type Scheme struct {
	Zone string
}

func (s Scheme) base() string {
	if s.Zone == "" {
		return prefix
	}
	return prefix + s.Zone + "-"
}

// Prefix is the name prefix shared by every run of scanner id with image.
func (s Scheme) Prefix(id uint, image string) string {
	return fmt.Sprintf("%s%d-%s-", s.base(), id, image)
}

// ContainerName is the name for a run dispatched at ts.
func (s Scheme) ContainerName(id uint, image string, ts time.Time) string {
	return s.Prefix(id, image) + strconv.FormatInt(ts.Unix(), 10)
}

// Matches reports whether name belongs to a run of scanner id with image.
func (s Scheme) Matches(name string, id uint, image string) bool {
	return strings.HasPrefix(strings.TrimPrefix(name, "/"), s.Prefix(id, image))
}

// Parsed is a container name split into its parts.
type Parsed struct {
	JobID uint
	// Rest is everything after the id: "{image}-{timestamp}".
	Rest string
}

// RunName is the unique run name "{id}-{image}-{timestamp}".
func (p Parsed) RunName() string {
	return fmt.Sprintf("%d-%s", p.JobID, p.Rest)
}

// Parse splits a container name. ok is false for names outside the scheme.
func (s Scheme) Parse(name string) (Parsed, bool) {
	name = strings.TrimPrefix(name, "/")
	rest, found := strings.CutPrefix(name, s.base())
	if !found {
		return Parsed{}, false
	}
	idStr, tail, found := strings.Cut(rest, "-")
	if !found || idStr == "" {
		return Parsed{}, false
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return Parsed{}, false
	}
	return Parsed{JobID: uint(id), Rest: tail}, true
}

// OutputDir is the rootbox directory bound to /output/ of a run.
func OutputDir(root string, id uint, image string, ts time.Time) string {
	return path.Join(root, fmt.Sprintf("%d_%s", id, image), strconv.FormatInt(ts.Unix(), 10)) + "/"
}

// ParseResultDirName extracts the scanner id from a "{id}_{image}" directory name.
func ParseResultDirName(name string) (uint, bool) {
	idStr, _, _ := strings.Cut(name, "_")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}
