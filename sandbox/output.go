package sandbox

import (
	"regexp"
	"strings"
)

// Tools commonly write progress and status chatter to stderr. These
// patterns downgrade such lines to informational so a noisy-but-healthy
// step does not read like a failure in the run log.
var informationalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(Pulling|Pull complete|Downloading|Download complete|Extracting|Verifying Checksum|Waiting|Already exists)\b`),
	regexp.MustCompile(`^Digest:\s*sha256:`),
	regexp.MustCompile(`^Status: (Downloaded newer image|Image is up to date)`),
	regexp.MustCompile(`^(Cloning into|remote:|Receiving objects:|Resolving deltas:|Updating files:)`),
	regexp.MustCompile(`^\s*\d{1,3}%(\s|\[|$)`),
	regexp.MustCompile(`(?i)^(info|notice|warning)[:\s]`),
}

// Informational reports whether a stderr line is progress or status
// chatter rather than error output.
func Informational(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	for _, p := range informationalPatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// lineWriter splits a byte stream into lines for the sink, buffering
// partial lines across writes. flush emits any trailing partial line.
type lineWriter struct {
	sink func(line string)
	buf  strings.Builder
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			w.sink(strings.TrimRight(w.buf.String(), "\r"))
			w.buf.Reset()
			continue
		}
		w.buf.WriteByte(b)
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.buf.Len() > 0 {
		w.sink(w.buf.String())
		w.buf.Reset()
	}
}
