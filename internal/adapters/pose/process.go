package pose

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/okian/formlab/pkg/logger"
)

const stopTimeout = 2 * time.Second

// Conn is the duplex byte stream to one worker.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Launcher starts one worker and returns its stream.
type Launcher func(ctx context.Context) (Conn, error)

// Command returns a Launcher that runs name with args as a subprocess
// speaking the protocol on stdin/stdout. Worker stderr is forwarded to log.
func Command(name string, args []string, log logger.Logger) Launcher {
	return func(ctx context.Context) (Conn, error) {
		cmd := exec.Command(name, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
		c := &processConn{
			cmd:    cmd,
			stdin:  stdin,
			stdout: bufio.NewReader(stdout),
			exited: make(chan struct{}),
			logger: log.Named(fmt.Sprintf("pid-%d", cmd.Process.Pid)),
		}
		c.logger.Info(ctx, "pose worker started", logger.String("cmd", name))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.logStderr(stderr)
		}()
		go func() {
			// Wait closes the pipes, so stderr is drained first.
			wg.Wait()
			c.waitErr = cmd.Wait()
			close(c.exited)
		}()
		return c, nil
	}
}

type processConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	exited  chan struct{}
	waitErr error
	once    sync.Once
	logger  logger.Logger
}

func (c *processConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *processConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close closes stdin so the worker exits on its own, then kills it if it
// has not exited within stopTimeout.
func (c *processConn) Close() error {
	c.once.Do(func() {
		_ = c.stdin.Close()
		select {
		case <-c.exited:
		case <-time.After(stopTimeout):
			c.logger.Warn(context.Background(), "pose worker did not exit, killing")
			_ = c.cmd.Process.Kill()
			<-c.exited
		}
		c.logger.Debug(context.Background(), "pose worker stopped", logger.Any("exit", c.waitErr))
	})
	return nil
}

func (c *processConn) logStderr(r io.Reader) {
	ctx := context.Background()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			c.logger.Error(ctx, "pose worker error", logger.String("log", line))
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			c.logger.Warn(ctx, "pose worker warning", logger.String("log", line))
		default:
			c.logger.Debug(ctx, "pose worker log", logger.String("log", line))
		}
	}
}
