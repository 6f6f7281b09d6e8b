package enrollment

import (
	"regexp"
	"strconv"
	"strings"
)

type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformWindows
	PlatformMacOS
	PlatformIOS
	PlatformAndroid
	PlatformLinux
)

var windowsVersion = regexp.MustCompile(`Windows NT (\d+)\.(\d+)`)

// Agent is the platform of the client guessed from User-Agent.
// It is only a hint for the compatibility of the bundle.
type Agent struct {
	Platform Platform
	// Major is the major version of Windows NT. It is zero for other platforms.
	Major int
}

func ParseUserAgent(ua string) Agent {
	switch {
	case strings.Contains(ua, "Windows"):
		a := Agent{Platform: PlatformWindows}
		if m := windowsVersion.FindStringSubmatch(ua); m != nil {
			a.Major, _ = strconv.Atoi(m[1])
		}
		return a
	case strings.Contains(ua, "Android"):
		return Agent{Platform: PlatformAndroid}
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"), strings.Contains(ua, "iOS"):
		return Agent{Platform: PlatformIOS}
	case strings.Contains(ua, "Mac OS X"), strings.Contains(ua, "Macintosh"):
		return Agent{Platform: PlatformMacOS}
	case strings.Contains(ua, "Linux"):
		return Agent{Platform: PlatformLinux}
	default:
		return Agent{}
	}
}

// LegacyWindows reports whether the agent is Windows older than 10.
func (a Agent) LegacyWindows() bool {
	return a.Platform == PlatformWindows && a.Major > 0 && a.Major < 10
}

// LegacyPKCS12 reports whether the agent can't read the PKCS#12 archive encrypted by AES.
func (a Agent) LegacyPKCS12() bool {
	switch a.Platform {
	case PlatformAndroid, PlatformIOS, PlatformMacOS:
		return true
	}
	return false
}
