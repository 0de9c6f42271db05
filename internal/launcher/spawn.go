package launcher

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/basket/aixterm/internal/paths"
)

// Child is a spawned service process.
type Child struct {
	Pid  int
	done chan struct{}
	err  error
}

func newChild(pid int) *Child {
	return &Child{Pid: pid, done: make(chan struct{})}
}

func (c *Child) finish(err error) {
	c.err = err
	close(c.done)
}

// Exited is closed once the process has exited.
func (c *Child) Exited() <-chan struct{} { return c.done }

// Err is the exit status; valid after Exited is closed.
func (c *Child) Err() error { return c.err }

// SpawnFunc starts the service in the background for the runtime home p.
type SpawnFunc func(p paths.RuntimePaths) (*Child, error)

// ExecSpawner re-executes the current binary with args as a detached
// service. The child gets its own session, /dev/null stdin, and startup
// output in p.StartLogPath.
func ExecSpawner(args ...string) SpawnFunc {
	return func(p paths.RuntimePaths) (*Child, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		logf, err := os.OpenFile(p.StartLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open start log: %w", err)
		}
		defer logf.Close()
		devnull, err := os.Open(os.DevNull)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		defer devnull.Close()

		cmd := exec.Command(exe, args...)
		cmd.Stdin = devnull
		cmd.Stdout = logf
		cmd.Stderr = logf
		cmd.Dir = p.Home
		cmd.Env = append(os.Environ(), "AIXTERM_HOME="+p.Home)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawn service: %w", err)
		}

		child := newChild(cmd.Process.Pid)
		go func() { child.finish(cmd.Wait()) }()
		return child, nil
	}
}

// tailFile returns up to n trailing lines of path.
func tailFile(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ""
		}
		return fmt.Sprintf("(read %s: %v)", path, err)
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return strings.TrimSpace(strings.Join(ring, "\n"))
}
