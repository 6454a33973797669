// ABOUTME: Job ID generation in the classic timestamp form YYYYMMDDhhmmssffffff
// ABOUTME: Monotonic within a process so two submits in the same microsecond still get distinct JIDs

package job

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

var jidPattern = regexp.MustCompile(`^\d{20}$`)

var (
	jidMu   sync.Mutex
	lastJID string
)

// NewJID returns a fresh job ID derived from the current UTC time,
// formatted as YYYYMMDDhhmmssffffff (microsecond precision, 20 digits).
func NewJID() string {
	return newJIDAt(time.Now().UTC())
}

func newJIDAt(now time.Time) string {
	jid := strings.Replace(now.Format("20060102150405.000000"), ".", "", 1)

	jidMu.Lock()
	defer jidMu.Unlock()
	// Same-microsecond submits would collide; bump until strictly increasing.
	for jid <= lastJID {
		jid = incrementJID(jid)
	}
	lastJID = jid
	return jid
}

// incrementJID adds one to the decimal string without re-reading the clock.
func incrementJID(jid string) string {
	b := []byte(jid)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < '9' {
			b[i]++
			return string(b)
		}
		b[i] = '0'
	}
	return string(b)
}

// ValidJID reports whether s has the canonical generated JID shape.
// Caller-supplied JIDs are not required to pass this; it exists for
// tooling that wants to distinguish generated IDs.
func ValidJID(s string) bool {
	return jidPattern.MatchString(s)
}
