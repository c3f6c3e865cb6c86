package pimp

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
)

// CommandPrefix is the namespace of lines handled by a Dispatcher.
const CommandPrefix = "pimp"

// CommandFunc executes a single command against a session.
type CommandFunc func(s *Session, args []string, w io.Writer) error

// commands maps verbs and their aliases to their implementation.
var commands = map[string]CommandFunc{
	"init":                             cmdInit,
	"run-until":                        cmdRunUntil,
	"dcu":                              cmdRunUntil,
	"run-until-symbolized-jump":        cmdRunUntilSymbolizedJump,
	"dcusj":                            cmdRunUntilSymbolizedJump,
	"run-until-symbolized-instruction": cmdRunUntilSymbolizedInstruction,
	"dcusi":                            cmdRunUntilSymbolizedInstruction,
	"take":                             cmdTake,
	"avoid":                            cmdAvoid,
	"declare-input":                    cmdDeclareInput,
	"input":                            cmdDeclareInput,
	"sync":                             cmdSync,
	"resync-cache":                     cmdResyncCache,
	"reset":                            cmdResyncCache,
	"dump":                             cmdDump,
}

// Verbs returns the sorted list of command verbs, including aliases.
func Verbs() []string {
	a := make([]string, 0, len(commands))
	for verb := range commands {
		a = append(a, verb)
	}
	sort.Strings(a)
	return a
}

// Dispatcher routes "pimp.<verb> [args...]" lines to commands.
type Dispatcher struct {
	Session *Session
	Stdout  io.Writer
}

// NewDispatcher returns a new dispatcher writing command output to w.
func NewDispatcher(s *Session, w io.Writer) *Dispatcher {
	return &Dispatcher{Session: s, Stdout: w}
}

// Call executes line. Returns false if the line is not a known pimp command.
// Command failures are printed and still count as handled.
func (d *Dispatcher) Call(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}

	module, verb, ok := strings.Cut(args[0], ".")
	if !ok || module != CommandPrefix {
		return false
	}
	fn, ok := commands[verb]
	if !ok {
		return false
	}

	if err := fn(d.Session, args[1:], d.Stdout); err != nil {
		fmt.Fprintf(d.Stdout, "error: %s\n", err)
	}
	return true
}

func cmdInit(s *Session, args []string, w io.Writer) error {
	return s.Init()
}

func cmdRunUntil(s *Session, args []string, w io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: pimp.run-until <address>")
	}
	target, err := s.provider.ResolveSymbol(args[0])
	if err != nil {
		return err
	}

	stop, err := s.RunUntil(target)
	if stop != nil {
		fmt.Fprintln(w, stop.Instruction)
	}
	return err
}

func cmdRunUntilSymbolizedJump(s *Session, args []string, w io.Writer) error {
	stop, err := s.RunUntilSymbolizedJump()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, stop.Instruction)
	return nil
}

func cmdRunUntilSymbolizedInstruction(s *Session, args []string, w io.Writer) error {
	stop, err := s.RunUntilSymbolizedInstruction()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, stop.Instruction)
	return nil
}

func cmdTake(s *Session, args []string, w io.Writer) error {
	addr, err := s.Take()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "0x%x\n", addr)
	return nil
}

func cmdAvoid(s *Session, args []string, w io.Writer) error {
	addr, err := s.Avoid()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "0x%x\n", addr)
	return nil
}

func cmdDeclareInput(s *Session, args []string, w io.Writer) error {
	switch len(args) {
	case 0:
		if err := s.ensureInit(); err != nil {
			return err
		}
		for _, in := range s.Inputs() {
			buf, err := s.exec.ReadMemory(in.Address, 1)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "0x%x: 0x%02x (%c)\n", in.Address, buf[0], printable(buf[0]))
		}
		return nil

	case 2:
		size, err := s.provider.ResolveSymbol(args[0])
		if err != nil {
			return err
		}
		addr, err := s.provider.ResolveSymbol(args[1])
		if err != nil {
			return err
		}
		return s.DeclareInput(addr, int(size))

	default:
		return errors.New("usage: pimp.declare-input [<size> <address>]")
	}
}

func cmdSync(s *Session, args []string, w io.Writer) error {
	return s.Sync()
}

func cmdResyncCache(s *Session, args []string, w io.Writer) error {
	return s.ResyncCache()
}

// sessionDump is the debug view of a session printed by pimp.dump.
type sessionDump struct {
	Bits            int
	PC              string
	Registers       map[string]uint64
	Inputs          map[string]string
	Regions         map[string]int
	PathConstraints int
}

func cmdDump(s *Session, args []string, w io.Writer) error {
	if err := s.ensureInit(); err != nil {
		return err
	}

	d := sessionDump{
		Bits:            s.bits,
		PC:              "0x" + strconv.FormatUint(s.exec.PC(), 16),
		Registers:       s.Snapshot(),
		Inputs:          make(map[string]string),
		Regions:         make(map[string]int),
		PathConstraints: len(s.exec.PathConstraints()),
	}
	for _, in := range s.Inputs() {
		d.Inputs[fmt.Sprintf("0x%x", in.Address)] = in.Variable.String()
	}
	for _, r := range s.cache.Regions() {
		d.Regions[fmt.Sprintf("0x%x", r.Start)] = len(r.Data)
	}

	cfg := spew.ConfigState{Indent: "  ", SortKeys: true, DisablePointerAddresses: true, DisableCapacities: true}
	cfg.Fdump(w, d)
	return nil
}

// printable returns b if it is a printable ASCII character and '.' otherwise.
func printable(b byte) byte {
	if b < 0x20 || b > 0x7e {
		return '.'
	}
	return b
}
