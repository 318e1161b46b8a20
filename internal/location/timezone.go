package location

import (
	"os"
	"strings"
	"time"
)

// hostZone discovers the host's IANA zone name. Paths are fields so tests
// can point them at fixtures.
type hostZone struct {
	getenv        func(string) string
	timezoneFile  string
	localtimeLink string
	local         *time.Location
}

var defaultHostZone = hostZone{
	getenv:        os.Getenv,
	timezoneFile:  "/etc/timezone",
	localtimeLink: "/etc/localtime",
	local:         time.Local,
}

// HostTimeZone returns the host's resolved IANA time zone name. Sources, in
// order: $TZ, /etc/timezone, the /etc/localtime symlink target, time.Local.
// "UTC" is returned when none yields a loadable name.
func HostTimeZone() string {
	return defaultHostZone.resolve()
}

func (h hostZone) resolve() string {
	if tz := strings.TrimPrefix(strings.TrimSpace(h.getenv("TZ")), ":"); validZone(tz) {
		return tz
	}

	if b, err := os.ReadFile(h.timezoneFile); err == nil {
		if tz := strings.TrimSpace(string(b)); validZone(tz) {
			return tz
		}
	}

	if target, err := os.Readlink(h.localtimeLink); err == nil {
		if i := strings.LastIndex(target, "zoneinfo/"); i >= 0 {
			if tz := target[i+len("zoneinfo/"):]; validZone(tz) {
				return tz
			}
		}
	}

	if h.local != nil {
		if name := h.local.String(); name != "Local" && validZone(name) {
			return name
		}
	}
	return "UTC"
}

func validZone(name string) bool {
	if name == "" || name == "Local" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}
