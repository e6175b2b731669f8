package upload

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxNameLength = 100

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectPath builds the destination of one upload:
// {sessionID}/{category}/{unixNano}-{uuid}-{name}. The timestamp and UUID
// make every call unique, so a retry never overwrites an earlier object.
func ObjectPath(sessionID, category, name string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%d-%s-%s",
		sanitizeName(sessionID), sanitizeName(category), now.UnixNano(), uuid.NewString(), sanitizeName(name))
}

func sanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "file"
	}
	if len(base) > maxNameLength {
		base = base[len(base)-maxNameLength:]
	}
	return base
}
