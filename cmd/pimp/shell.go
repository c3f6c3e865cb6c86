package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/benbjohnson/pimp"
	"github.com/benbjohnson/pimp/r2"
	"github.com/benbjohnson/pimp/z3"
	"github.com/pkg/errors"
)

// Shell executes pimp commands and forwards everything else to radare2.
type Shell struct {
	Session    *pimp.Session
	Dispatcher *pimp.Dispatcher
	R2         r2.Commander
	Prompt     string
	Stdout     io.Writer
}

// NewShell returns a new shell for session whose other lines go to c.
func NewShell(session *pimp.Session, c r2.Commander, stdout io.Writer) *Shell {
	return &Shell{
		Session:    session,
		Dispatcher: pimp.NewDispatcher(session, stdout),
		R2:         c,
		Prompt:     DefaultPrompt,
		Stdout:     stdout,
	}
}

// OpenShell connects to radare2, either the instance that spawned this
// process or a new one started on config.Binary, and returns a shell on it.
func OpenShell(config Config, stdout io.Writer) (*Shell, func() error, error) {
	var pipe *r2.Pipe
	var err error
	if r2.IsEnvAvailable() {
		pipe, err = r2.OpenEnv()
	} else if config.Binary == "" {
		return nil, nil, errors.New("binary required")
	} else {
		args := append(append([]string{}, config.R2.Args...), config.Binary)
		pipe, err = r2.Open(config.R2.Path, args...)
	}
	if err != nil {
		return nil, nil, err
	}

	solver := z3.NewSolver()
	solver.Timeout = config.Solver.TimeoutDuration()
	closer := func() error {
		_ = solver.Close()
		return pipe.Close()
	}

	session, err := pimp.NewSession(r2.NewProvider(pipe), solver)
	if err != nil {
		_ = closer()
		return nil, nil, err
	}
	session.MaxSteps = config.MaxSteps

	sh := NewShell(session, pipe, stdout)
	sh.Prompt = config.Prompt
	if err := sh.Setup(config); err != nil {
		_ = closer()
		return nil, nil, err
	}
	return sh, closer, nil
}

// Setup runs the init and input declarations requested by config.
func (sh *Shell) Setup(config Config) error {
	if !config.AutoInit {
		return nil
	}
	if err := sh.Session.Init(); err != nil {
		return errors.Wrap(err, "init")
	}

	for _, input := range config.Inputs {
		addr, err := sh.Session.Provider().ResolveSymbol(input.Address)
		if err != nil {
			return err
		}
		if err := sh.Session.DeclareInput(addr, input.Size); err != nil {
			return errors.Wrapf(err, "declare input %s", input.Address)
		}
	}
	return nil
}

// Exec executes a single line.
func (sh *Shell) Exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || sh.Dispatcher.Call(line) {
		return nil
	}

	out, err := sh.R2.Cmd(line)
	if err != nil {
		return err
	} else if out != "" {
		fmt.Fprintln(sh.Stdout, out)
	}
	return nil
}

// Run reads and executes lines from r until EOF or a quit command.
func (sh *Shell) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fmt.Fprint(sh.Stdout, sh.Prompt)
		if !scanner.Scan() {
			return scanner.Err()
		}

		switch line := strings.TrimSpace(scanner.Text()); line {
		case "q", "quit", "exit":
			return nil
		default:
			if err := sh.Exec(line); err != nil {
				return err
			}
		}
	}
}
