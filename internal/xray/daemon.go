package xray

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"xray-fleet/internal/config"
)

// Daemon validates candidate configs with the daemon's own test mode and
// restarts it through the process supervisor.
type Daemon interface {
	Test(ctx context.Context, configPath string) error
	Restart(ctx context.Context) error
}

type commandDaemon struct {
	bin       string
	ctl       string
	serverURL string
	program   string
	logger    *zap.Logger
}

func NewDaemon(cfg *config.AgentConfig, logger *zap.Logger) Daemon {
	return &commandDaemon{
		bin:       cfg.Xray.Bin,
		ctl:       cfg.Supervisor.Ctl,
		serverURL: cfg.Supervisor.ServerURL,
		program:   cfg.Supervisor.Program,
		logger:    logger.With(zap.String("component", "daemon")),
	}
}

func (d *commandDaemon) Test(ctx context.Context, configPath string) error {
	return d.run(ctx, d.bin, "-test", "-config", configPath)
}

func (d *commandDaemon) Restart(ctx context.Context) error {
	args := make([]string, 0, 4)
	if d.serverURL != "" {
		args = append(args, "-s", d.serverURL)
	}
	args = append(args, "restart", d.program)
	return d.run(ctx, d.ctl, args...)
}

func (d *commandDaemon) run(ctx context.Context, name string, args ...string) error {
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	d.logOutput(name, output.String())

	if err == nil {
		d.logger.Debug("command finished",
			zap.String("command", name),
			zap.Strings("args", args),
			zap.Duration("duration", time.Since(start)))
		return nil
	}

	cmdErr := &CommandError{
		Command:  strings.Join(append([]string{name}, args...), " "),
		ExitCode: -1,
		Output:   strings.TrimSpace(output.String()),
		Err:      err,
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		cmdErr.Err = fmt.Errorf("%w: %v", ctx.Err(), err)
	case errors.As(err, &exitErr):
		cmdErr.ExitCode = exitErr.ExitCode()
	}

	d.logger.Warn("command failed",
		zap.String("command", name),
		zap.Strings("args", args),
		zap.Int("exit_code", cmdErr.ExitCode),
		zap.Error(err))

	return cmdErr
}

func (d *commandDaemon) logOutput(name, output string) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			d.logger.Debug("command output",
				zap.String("command", name),
				zap.String("message", line))
		}
	}
}
