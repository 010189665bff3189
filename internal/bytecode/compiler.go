// Package bytecode compiles Python source by driving the distribution's own
// interpreter over a line-delimited JSON protocol.
package bytecode

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/frederic-klein/pyembed/internal/resources"
)

//go:embed compile.py
var compileScript string

// DefaultCacheSize bounds the number of cached compilation results.
const DefaultCacheSize = 4096

type request struct {
	Source   []byte `json:"source"`
	Filename string `json:"filename"`
	Optimize int    `json:"optimize"`
	Output   string `json:"output"`
}

type response struct {
	OK    bool   `json:"ok"`
	Data  []byte `json:"data"`
	Error string `json:"error"`
}

type cacheKey struct {
	sum      [sha256.Size]byte
	filename string
	optimize int
	output   resources.CompileOutput
}

// Compiler is a running interpreter process that compiles on request.
// It is not safe for concurrent use.
type Compiler struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *bytes.Buffer
	cache  *lru.Cache[cacheKey, []byte]
	logger *zap.Logger

	exited  bool
	waitErr error

	hits, misses int
}

// NewCompiler starts pythonExe in isolated mode with the compile loop.
func NewCompiler(ctx context.Context, pythonExe string, logger *zap.Logger) (*Compiler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[cacheKey, []byte](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating compile cache: %w", err)
	}

	cmd := exec.CommandContext(ctx, pythonExe, "-I", "-c", compileScript)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening compiler stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening compiler stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", pythonExe, err)
	}
	logger.Debug("bytecode compiler started", zap.String("python", pythonExe), zap.Int("pid", cmd.Process.Pid))

	return &Compiler{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		stderr: stderr,
		cache:  cache,
		logger: logger,
	}, nil
}

// Compile implements resources.BytecodeCompiler.
func (c *Compiler) Compile(source []byte, filename string, optimize int, output resources.CompileOutput) ([]byte, error) {
	key := cacheKey{sum: sha256.Sum256(source), filename: filename, optimize: optimize, output: output}
	if data, ok := c.cache.Get(key); ok {
		c.hits++
		return data, nil
	}
	c.misses++

	req := request{Source: source, Filename: filename, Optimize: optimize, Output: "bytecode"}
	if output == resources.OutputPyc {
		req.Output = "pyc"
	}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return nil, c.fail(fmt.Errorf("sending %s to compiler: %w", filename, err))
	}

	b, err := c.stdout.ReadBytes('\n')
	if err != nil {
		return nil, c.fail(fmt.Errorf("reading compiler response for %s: %w", filename, err))
	}
	var resp response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("decoding compiler response for %s: %w", filename, err)
	}
	if !resp.OK {
		return nil, errors.New(resp.Error)
	}

	c.cache.Add(key, resp.Data)
	return resp.Data, nil
}

// fail reaps an interpreter that stopped answering so its stderr can be
// reported.
func (c *Compiler) fail(err error) error {
	_ = c.stdin.Close()
	_ = c.wait()
	return c.withStderr(err)
}

func (c *Compiler) wait() error {
	if !c.exited {
		c.exited = true
		c.waitErr = c.cmd.Wait()
	}
	return c.waitErr
}

// withStderr must only be called once the process has been waited for.
func (c *Compiler) withStderr(err error) error {
	if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// Stats returns cache hits and misses.
func (c *Compiler) Stats() (hits, misses int) {
	return c.hits, c.misses
}

// Close stops the interpreter and waits for it to exit.
func (c *Compiler) Close() error {
	if err := c.stdin.Close(); err != nil {
		return fmt.Errorf("closing compiler stdin: %w", err)
	}
	if err := c.wait(); err != nil {
		return c.withStderr(fmt.Errorf("waiting for compiler: %w", err))
	}
	c.logger.Debug("bytecode compiler stopped", zap.Int("cache_hits", c.hits), zap.Int("cache_misses", c.misses))
	return nil
}
