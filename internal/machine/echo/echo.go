// Package echo implements the simplest job type registered with the
// core: a line-oriented script that allocates resources, prints
// messages, sleeps, and optionally fails or raises — used to exercise
// the scheduler end to end without needing a real sandboxed workload.
package echo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tessia-project/jobscheduler/internal/machine"
)

const description = "Echo executor"

func init() {
	machine.Register("echo", New)
}

type command struct {
	op   string
	text string
	n    int
}

// Machine is the echo job type: each line is one statement (USE, ECHO,
// SLEEP, RETURN, RAISE), with an optional CLEANUP section that switches
// subsequent statements into the cleanup command list.
type Machine struct {
	resources machine.Resources
	commands  []command
	cleanupCmds []command
	cleaningUp bool
}

// New constructs an echo machine and parses its script immediately so
// that a malformed script fails fast at parse time.
func New(paramsText string) (machine.Machine, error) {
	m := &Machine{}
	if _, err := m.Parse(paramsText); err != nil {
		return nil, err
	}
	return m, nil
}

// Parse implements machine.Machine. It is also safe to call standalone
// (as the scheduler does, on a throwaway instance) to validate a script
// and derive its resource set without running anything.
func (m *Machine) Parse(content string) (machine.ParseResult, error) {
	resources := machine.Resources{}
	var commands, cleanupCmds []command
	cleanup := false
	cur := &commands

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lineNo := i + 1
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "cleanup":
			cleanup = true
			cur = &cleanupCmds

		case "use":
			if cleanup {
				return machine.ParseResult{}, fmt.Errorf("USE statement in cleanup section")
			}
			if len(fields) < 3 {
				return machine.ParseResult{}, fmt.Errorf("wrong number of arguments in USE statement at line %d", lineNo)
			}
			mode := strings.ToLower(fields[1])
			switch mode {
			case "exclusive":
				resources.Exclusive = append(resources.Exclusive, fields[2:]...)
			case "shared":
				resources.Shared = append(resources.Shared, fields[2:]...)
			default:
				return machine.ParseResult{}, fmt.Errorf("invalid mode %q in USE statement at line %d", mode, lineNo)
			}

		case "echo":
			if len(fields) < 2 {
				return machine.ParseResult{}, fmt.Errorf("wrong number of arguments in ECHO statement at line %d", lineNo)
			}
			*cur = append(*cur, command{op: "echo", text: strings.Join(fields[1:], " ")})

		case "sleep":
			if len(fields) != 2 {
				return machine.ParseResult{}, fmt.Errorf("wrong number of arguments in SLEEP statement at line %d", lineNo)
			}
			seconds, err := strconv.Atoi(fields[1])
			if err != nil {
				return machine.ParseResult{}, fmt.Errorf("SLEEP argument must be a number at line %d", lineNo)
			}
			*cur = append(*cur, command{op: "sleep", n: seconds})

		case "return":
			if len(fields) != 2 {
				return machine.ParseResult{}, fmt.Errorf("wrong number of arguments in RETURN statement at line %d", lineNo)
			}
			value, err := strconv.Atoi(fields[1])
			if err != nil {
				return machine.ParseResult{}, fmt.Errorf("RETURN argument must be a number at line %d", lineNo)
			}
			*cur = append(*cur, command{op: "return", n: value})

		case "raise":
			*cur = append(*cur, command{op: "raise"})

		default:
			return machine.ParseResult{}, fmt.Errorf("invalid command %q at line %d", fields[0], lineNo)
		}
	}

	m.resources = resources
	m.commands = commands
	m.cleanupCmds = cleanupCmds

	return machine.ParseResult{Resources: resources, Description: description}, nil
}

func executeCommands(ctx context.Context, cmds []command) (int, error) {
	for _, c := range cmds {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		switch c.op {
		case "echo":
			fmt.Println(c.text)
		case "sleep":
			timer := time.NewTimer(time.Duration(c.n) * time.Second)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return 0, ctx.Err()
			}
		case "return":
			return c.n, nil
		case "raise":
			return 0, fmt.Errorf("echo machine: RAISE statement triggered")
		}
	}
	return 0, nil
}

// Start implements machine.Machine.
func (m *Machine) Start(ctx context.Context) (int, error) {
	ret, err := executeCommands(ctx, m.commands)
	if err != nil {
		return ret, err
	}
	cleanupRet, cleanupErr := m.Cleanup(ctx)
	if cleanupErr != nil {
		return cleanupRet, cleanupErr
	}
	if cleanupRet != 0 {
		return cleanupRet, nil
	}
	return ret, nil
}

// Cleanup implements machine.Machine.
func (m *Machine) Cleanup(ctx context.Context) (int, error) {
	if len(m.cleanupCmds) == 0 {
		return 0, nil
	}
	m.cleaningUp = true
	return executeCommands(ctx, m.cleanupCmds)
}

// CleaningUp implements machine.Machine.
func (m *Machine) CleaningUp() bool {
	return m.cleaningUp
}
