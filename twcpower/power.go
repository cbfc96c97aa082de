// Package twcpower implements the periodic available-power poll (spec.md
// §4.8, C8): a file override takes precedence over an external command that
// is only consulted during daylight hours, with no change made if neither
// source produces a value.
package twcpower

import (
	"bufio"
	"context"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/timcantryn/TWCManager/twcclock"
)

// commandTimeout bounds the external solar-data command (spec.md §5:
// "bounded at 4 s; exceeding it yields no update this cycle").
const commandTimeout = 4 * time.Second

// daylightStartHour and daylightEndHour bound the local-time window in
// which the external command is consulted (spec.md §4.8: "06:00 inclusive
// to 20:00 exclusive").
const (
	daylightStartHour = 6
	daylightEndHour   = 20
)

var solarLineRE = regexp.MustCompile(`Solar,[^,]*,-([0-9]+(?:\.[0-9]+)?)`)

// Runner executes the external solar-data command and returns its output.
// The production Runner shells out via os/exec; tests supply a fake.
type Runner interface {
	Run(ctx context.Context) (output string, err error)
}

// ExecRunner runs an argv under a context deadline via os/exec.
type ExecRunner struct {
	Argv []string
}

func (r ExecRunner) Run(ctx context.Context) (string, error) {
	if len(r.Argv) == 0 {
		return "", nil
	}
	cmd := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...)
	out, err := cmd.Output()
	return string(out), err
}

// Source is the C8 power-source adapter.
type Source struct {
	OverrideFilePath string
	Runner           Runner
	Clock            twcclock.Clock
}

// Poll runs one C8 cycle. The caller (twcmaster's Cruising idle branch) is
// responsible for the >=60s throttle (spec.md §4.8: "Runs at most every 60
// s (called only from C6's idle branch)"); Poll itself always attempts a
// read when called.
func (s *Source) Poll(now time.Time) (capCA int32, changed bool) {
	if n, ok := readOverrideFile(s.OverrideFilePath); ok {
		return n, true
	}

	hour := now.Hour()
	if hour < daylightStartHour || hour >= daylightEndHour {
		return 0, false
	}

	if s.Runner == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := s.Runner.Run(ctx)
	if err != nil {
		glog.Warningf("twcpower: solar command failed: %v", err)
		return 0, false
	}
	val, ok := parseSolarOutput(out)
	if !ok {
		glog.Warningf("twcpower: no parseable Solar,... line in command output")
		return 0, false
	}
	return val, true
}

// readOverrideFile implements precedence rule 1: a single non-negative
// integer (already cA) on the first line.
func readOverrideFile(path string) (int32, bool) {
	if path == "" {
		return 0, false
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, false
	}
	line := strings.TrimSpace(scanner.Text())
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 {
		glog.Warningf("twcpower: override file %q: invalid content %q", path, line)
		return 0, false
	}
	return int32(n), true
}

// parseSolarOutput implements precedence rule 2's parse: find a line like
// "Solar,<timestamp>,-<float>,..." and compute
// floor((float*1000/240)*100) cA.
func parseSolarOutput(out string) (int32, bool) {
	for _, line := range strings.Split(out, "\n") {
		m := solarLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		kw, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		amps := kw * 1000 / 240
		return int32(math.Floor(amps * 100)), true
	}
	return 0, false
}
