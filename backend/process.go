package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopTimeout bounds how long Stop waits for a graceful exit before killing.
const stopTimeout = 5 * time.Second

// processManager owns the CLI subprocess and its pipes.
type processManager struct {
	config  SessionConfig
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	stderr  io.ReadCloser
	writeMu sync.Mutex
}

func newProcessManager(cfg SessionConfig) *processManager {
	return &processManager{config: cfg}
}

// BuildCLIArgs returns the CLI invocation for this configuration.
func (p *processManager) BuildCLIArgs() ([]string, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}

	if p.config.ModelID != "" {
		args = append(args, "--model", p.config.ModelID)
	}
	if p.config.Resume != "" {
		args = append(args, "--resume", p.config.Resume)
	}
	if p.config.PermissionMode != "" {
		args = append(args, "--permission-mode", p.config.PermissionMode)
	}
	if p.config.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", p.config.SystemPrompt)
	}
	if p.config.BrowserTool {
		args = append(args, "--allowed-tools", "Browser")
	}
	if p.config.LazySkills {
		args = append(args, "--lazy-skills")
	}
	if len(p.config.MCPServers) > 0 {
		mcpConfig, err := json.Marshal(map[string]interface{}{
			"mcpServers": p.config.MCPServers,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(mcpConfig))
	}

	args = append(args, p.config.ExtraArgs...)
	return args, nil
}

// buildEnv returns the subprocess environment, layering provider overrides
// over the parent environment.
func (p *processManager) buildEnv() []string {
	env := os.Environ()
	if p.config.BaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+p.config.BaseURL)
	}
	if p.config.APIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+p.config.APIKey)
	}
	return env
}

// Start spawns the subprocess and wires its pipes.
func (p *processManager) Start(ctx context.Context) error {
	cliPath := p.config.CLIPath
	if cliPath == "" {
		cliPath = "claude"
	}

	args, err := p.BuildCLIArgs()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, cliPath, args...)
	cmd.Dir = p.config.WorkDir
	cmd.Env = p.buildEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", cliPath, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReaderSize(stdout, 1024*1024)
	p.stderr = stderr
	return nil
}

// ReadLine blocks until the next JSONL line from stdout.
func (p *processManager) ReadLine() ([]byte, error) {
	line, err := p.stdout.ReadBytes('\n')
	if len(line) > 0 && err == io.EOF {
		return line, nil
	}
	return line, err
}

// WriteMessage serializes msg as one JSON line on stdin. Serialized writes
// keep concurrent senders from interleaving lines.
func (p *processManager) WriteMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdin == nil {
		return ErrNotStarted
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Stderr returns the subprocess stderr pipe.
func (p *processManager) Stderr() io.Reader {
	return p.stderr
}

// Stop closes stdin so the CLI exits cleanly, then kills it if it lingers.
func (p *processManager) Stop() error {
	if p.cmd == nil {
		return nil
	}

	p.writeMu.Lock()
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	p.writeMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(stopTimeout):
		p.cmd.Process.Kill()
		return <-done
	}
}
