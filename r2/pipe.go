// Package r2 connects pimp to a radare2 debugging session over r2pipe.
package r2

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Commander executes radare2 commands and returns their output.
type Commander interface {
	Cmd(cmd string) (string, error)
}

// Pipe is an r2pipe connection. Each command is written on its own line and
// its output is terminated by a NUL byte.
type Pipe struct {
	w io.Writer
	r *bufio.Reader

	cmd    *exec.Cmd
	closer func() error
}

// NewPipe returns a pipe that writes commands to w and reads output from r.
func NewPipe(r io.Reader, w io.Writer) *Pipe {
	return &Pipe{w: w, r: bufio.NewReader(r)}
}

// Open starts radare2 at path on the given arguments and connects to it.
func Open(path string, args ...string) (*Pipe, error) {
	cmd := exec.Command(path, append([]string{"-q0"}, args...)...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", path)
	}

	p := NewPipe(stdout, stdin)
	p.cmd = cmd
	p.closer = stdin.Close

	// radare2 announces it is ready with a single NUL.
	if _, err := p.r.ReadBytes(0); err != nil {
		_ = cmd.Process.Kill()
		return nil, errors.Wrap(err, "handshake")
	}
	log.Printf("[r2] open: %s %s", path, strings.Join(args, " "))
	return p, nil
}

// OpenEnv connects to the radare2 instance that spawned this process using
// the R2PIPE_IN and R2PIPE_OUT file descriptors.
func OpenEnv() (*Pipe, error) {
	in, err := envFile("R2PIPE_IN")
	if err != nil {
		return nil, err
	}
	out, err := envFile("R2PIPE_OUT")
	if err != nil {
		return nil, err
	}

	p := NewPipe(in, out)
	p.closer = func() error {
		if err := out.Close(); err != nil {
			return err
		}
		return in.Close()
	}
	return p, nil
}

// IsEnvAvailable returns true if this process was spawned by radare2.
func IsEnvAvailable() bool {
	return os.Getenv("R2PIPE_IN") != "" && os.Getenv("R2PIPE_OUT") != ""
}

func envFile(name string) (*os.File, error) {
	fd, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// Cmd executes cmd and returns its output without surrounding whitespace.
func (p *Pipe) Cmd(cmd string) (string, error) {
	if _, err := io.WriteString(p.w, cmd+"\n"); err != nil {
		return "", errors.Wrapf(err, "write %q", cmd)
	}
	buf, err := p.r.ReadBytes(0)
	if err != nil {
		return "", errors.Wrapf(err, "read %q", cmd)
	}
	return strings.TrimSpace(string(buf[:len(buf)-1])), nil
}

// Cmdj executes cmd and decodes its JSON output into v.
func (p *Pipe) Cmdj(cmd string, v interface{}) error {
	return cmdj(p, cmd, v)
}

func cmdj(c Commander, cmd string, v interface{}) error {
	out, err := c.Cmd(cmd)
	if err != nil {
		return err
	} else if out == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		return errors.Wrapf(err, "decode %q", cmd)
	}
	return nil
}

// Close ends the session. A spawned radare2 is asked to quit and waited on.
func (p *Pipe) Close() error {
	if p.cmd != nil {
		if _, err := io.WriteString(p.w, "q!\n"); err != nil {
			log.Printf("[r2] quit: %s", err)
		}
	}
	if p.closer != nil {
		if err := p.closer(); err != nil {
			return err
		}
	}
	if p.cmd != nil {
		return p.cmd.Wait()
	}
	return nil
}
