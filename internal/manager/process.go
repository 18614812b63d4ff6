package manager

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/chatwarden/chatwarden/internal/config"
)

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig syscall.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// ExecSpawn re-executes the running binary with the worker subcommand
// and the bot id in the environment. Workers inherit stdout/stderr so
// their logs land in the manager's stream.
func ExecSpawn(botID int64) (Process, error) {
	cmd := exec.Command(os.Args[0], "worker")
	cmd.Env = append(os.Environ(), fmt.Sprintf("BOT_ID=%d", botID))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker %d: %w", botID, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// ControlPortProbe returns a probe that checks the worker's loopback
// control surface.
func ControlPortProbe(cfg *config.Config) ProbeFunc {
	client := &http.Client{Timeout: 2 * time.Second}
	return func(ctx context.Context, botID int64) error {
		port, err := cfg.WorkerPort(botID)
		if err != nil {
			return err
		}
		u := fmt.Sprintf("http://127.0.0.1:%d/reconnection-state", port)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("worker %d control surface answered %d", botID, resp.StatusCode)
		}
		return nil
	}
}
