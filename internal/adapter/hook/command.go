// Package hook runs external commands when watched jobs finish.
package hook

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/enrichwatch/internal/config"
	"github.com/cwygoda/enrichwatch/internal/domain"
)

// DefaultTimeout bounds a hook run when none is configured.
const DefaultTimeout = time.Minute

// CommandHook runs an external command for jobs whose status matches.
type CommandHook struct {
	name    string
	pattern *regexp.Regexp
	command string
	args    []string
	dir     string
	timeout time.Duration
}

// NewCommandHook creates a hook from config.
// An empty status pattern matches every finished job.
func NewCommandHook(hc config.HookConfig) (*CommandHook, error) {
	pattern := hc.Status
	if pattern == "" {
		pattern = ".*"
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid status pattern %q: %w", hc.Status, err)
	}

	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &CommandHook{
		name:    hc.Name,
		pattern: re,
		command: hc.Command,
		args:    hc.Args,
		dir:     config.ExpandPath(hc.Dir),
		timeout: timeout,
	}, nil
}

func (h *CommandHook) Name() string {
	return h.name
}

func (h *CommandHook) Match(job *domain.Job) bool {
	return h.pattern.MatchString(string(job.Status))
}

// Run executes the command with job placeholders expanded in its args:
// {id}, {name}, {status}, {ai_status}, {processed} and {total}.
func (h *CommandHook) Run(ctx context.Context, job *domain.Job) error {
	replacer := strings.NewReplacer(
		"{id}", job.ID,
		"{name}", job.Name,
		"{status}", string(job.Status),
		"{ai_status}", string(job.AIStatus),
		"{processed}", strconv.Itoa(job.Processed),
		"{total}", strconv.Itoa(job.Total),
	)
	args := make([]string, len(h.args))
	for i, arg := range h.args {
		args[i] = replacer.Replace(arg)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.command, args...)
	cmd.Dir = h.dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", h.command, err, strings.TrimSpace(string(output)))
	}
	return nil
}
