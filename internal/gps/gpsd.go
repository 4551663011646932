// Package gps obtains a last-resort sensor position from a gpsd pipe
// command. It is only consulted when a status report has no inline or cached
// position; any failure here means "no position available", never a fatal
// error.
package gps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoFix reports that no usable TPV report could be obtained.
var ErrNoFix = errors.New("no gps fix")

// Fix is the subset of a gpsd TPV report the pipeline cares about. AltHAE is
// NaN for a 2D fix, which carries no altitude.
type Fix struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	AltHAE float64 `json:"altHAE"`
	Mode   int     `json:"mode"`
}

// Source shells out to a gpspipe-style command to read the local GPS fix.
type Source struct {
	command string
	timeout time.Duration
	logger  *logrus.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, command string) ([]byte, error)
}

// NewSource creates a fix source running the given shell command with the
// given deadline per attempt.
func NewSource(command string, timeout time.Duration, logger *logrus.Logger) *Source {
	return &Source{
		command:    command,
		timeout:    timeout,
		logger:     logger,
		runCommand: runShell,
	}
}

// Fix runs the configured command and extracts the first TPV report. The
// command is killed at the deadline; a timeout is reported as ErrNoFix.
func (s *Source) Fix(ctx context.Context) (Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.runCommand(ctx, s.command)
	if err != nil {
		if ctx.Err() != nil {
			s.logger.WithField("command", s.command).Warn("GPS fix command timed out")
			return Fix{}, fmt.Errorf("%w: %v", ErrNoFix, ctx.Err())
		}
		return Fix{}, fmt.Errorf("%w: %v", ErrNoFix, err)
	}

	return parseTPV(out)
}

// parseTPV scans gpspipe JSON-lines output for the first TPV class report.
func parseTPV(out []byte) (Fix, error) {
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "TPV") {
			continue
		}

		var report struct {
			Class string `json:"class"`
			Fix
		}
		if err := json.Unmarshal([]byte(line), &report); err != nil {
			continue
		}
		if report.Class != "TPV" {
			continue
		}
		// Mode 2 is a 2D fix, mode 3 adds altitude.
		if report.Mode < 2 || (report.Lat == 0 && report.Lon == 0) {
			continue
		}
		if report.Mode < 3 {
			report.AltHAE = math.NaN()
		}
		return report.Fix, nil
	}
	return Fix{}, fmt.Errorf("%w: no TPV report in output", ErrNoFix)
}

func runShell(ctx context.Context, command string) ([]byte, error) {
	return exec.CommandContext(ctx, "sh", "-c", command).Output()
}
