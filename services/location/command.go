package locationsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/geo"
)

type CommandProviderOptions struct {
	Command string   // default "termux-location"
	Args    []string // overrides the built-in termux flags when set
	Logger  core.Logger
}

// CommandProvider shells out to a positioning helper that prints a JSON
// fix, the way termux-location does on Android. A missing binary is a
// capability gap (ErrUnsupported), not a failure.
type CommandProvider struct {
	command string
	args    []string
	logger  core.Logger
}

var _ geo.Provider = (*CommandProvider)(nil)

func NewCommandProvider(opts CommandProviderOptions) *CommandProvider {
	if opts.Command == "" {
		opts.Command = "termux-location"
	}
	return &CommandProvider{
		command: opts.Command,
		args:    opts.Args,
		logger:  opts.Logger,
	}
}

// commandFix is the fix shape termux-location prints; extra fields are
// ignored.
type commandFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

func (p *CommandProvider) Acquire(ctx context.Context, timeout time.Duration, highAccuracy bool) (geo.Sample, error) {
	path, err := exec.LookPath(p.command)
	if err != nil {
		return geo.Sample{}, geo.ErrUnsupported
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := p.args
	if args == nil && filepath.Base(p.command) == "termux-location" {
		provider := "network"
		if highAccuracy {
			provider = "gps"
		}
		args = []string{"-p", provider}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return geo.Sample{}, geo.ErrTimedOut
		}
		if strings.Contains(strings.ToLower(stderr.String()), "permission") {
			return geo.Sample{}, geo.ErrPermissionDenied
		}
		p.logger.Warn(fmt.Sprintf("location: %s: %v: %s", p.command, err, strings.TrimSpace(stderr.String())))
		return geo.Sample{}, geo.ErrUnavailable
	}

	var fix commandFix
	if err := json.Unmarshal(stdout.Bytes(), &fix); err != nil {
		p.logger.Warn(fmt.Sprintf("location: parsing %s output: %v", p.command, err))
		return geo.Sample{}, geo.ErrUnavailable
	}
	return geo.Sample{
		Latitude:   fix.Latitude,
		Longitude:  fix.Longitude,
		Accuracy:   fix.Accuracy,
		CapturedAt: time.Now().UTC(),
	}, nil
}
