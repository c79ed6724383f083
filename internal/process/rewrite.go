package process

import (
	"regexp"
	"strconv"
)

// Port references recognized inside service commands. Placeholders
// match $PORT, ${PORT} and prefixed variants like $API_PORT.
var (
	placeholderRe = regexp.MustCompile(`\$\{?([A-Z_]*PORT[A-Z0-9_]*)\}?`)
	longFlagRe    = regexp.MustCompile(`(--port[ =])(\d+)`)
	shortFlagRe   = regexp.MustCompile(`(-p[ =])(\d+)`)
	envAssignRe   = regexp.MustCompile(`\b(PORT=)(\d+)`)
	runserverRe   = regexp.MustCompile(`(runserver\s+)(?:[\d.]+:)?(\d+)`)
)

// EmbeddedPort extracts the port a command would bind, if one is
// recognizable.
func EmbeddedPort(command string) (int, bool) {
	for _, re := range []*regexp.Regexp{longFlagRe, shortFlagRe, envAssignRe, runserverRe} {
		if m := re.FindStringSubmatch(command); m != nil {
			port, err := strconv.Atoi(m[2])
			if err == nil {
				return port, true
			}
		}
	}
	return 0, false
}

// RewritePort returns the command adjusted to bind the given port.
// Recognized forms are rewritten in place; commands with no
// recognizable port reference get a PORT=N env prefix.
func RewritePort(command string, port int) string {
	p := strconv.Itoa(port)

	if placeholderRe.MatchString(command) {
		return placeholderRe.ReplaceAllString(command, p)
	}

	rewrote := false
	for _, re := range []*regexp.Regexp{longFlagRe, shortFlagRe, envAssignRe, runserverRe} {
		if re.MatchString(command) {
			command = re.ReplaceAllString(command, "${1}"+p)
			rewrote = true
		}
	}
	if rewrote {
		return command
	}
	return "PORT=" + p + " " + command
}
