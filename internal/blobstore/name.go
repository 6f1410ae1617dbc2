package blobstore

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Image filenames embed the capture time so recovery can correlate orphaned
// files back to sessions with nothing but the filesystem to go on:
// gaze-<epochMillis>-<random>.png
var namePattern = regexp.MustCompile(`^gaze-(\d+)-(\d+)\.png$`)

func GenerateName(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return fmt.Sprintf("gaze-%d-%d.png", ts.UnixMilli(), rand.Int63n(1_000_000_000))
}

// ParseNameTimestamp extracts the embedded capture time from a generated
// filename. ok is false for any filename that was not produced by
// GenerateName.
func ParseNameTimestamp(name string) (time.Time, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// PathForName maps a filename to its canonical store-relative reference.
func PathForName(name string) string {
	return PathPrefix + name
}

// NameFromPath inverts PathForName. ok is false when the path does not sit
// under the store root, which is exactly the malformed-reference case.
func NameFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, PathPrefix) {
		return "", false
	}
	name := strings.TrimPrefix(path, PathPrefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
