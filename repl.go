/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package main

import (
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	rt "github.com/launix-de/rjit/runtime"
	"github.com/launix-de/rjit/strides"
)

const newprompt = "\033[32m>\033[0m "
const contprompt = "\033[32m.\033[0m "
const resultprompt = "\033[31m=\033[0m "

const helpText = `commands:
  load FILE                  compile the loops of a trace file (.xz too)
  run [LOOP] ARGS...         run a loop, _ or nothing is the last one
  disasm [LOOP]              list the code of a loop
  loops                      list all loops
  redirect OLD NEW           send callers of OLD to NEW
  invalidate LOOP            fail every guard_not_invalidated of LOOP
  free LOOP                  release the code of LOOP
  reshape SHAPE NEWSHAPE [ITEMSIZE [C|F]]
                             strides of a reshaped contiguous array
  settings                   list all settings
  set KEY [VALUE]            read or change a setting
  reset                      start over with the current settings
  help                       this text
a line starting with [ or "loop NAME" starts a trace, an empty line ends it;
"bridge NAME from [LOOP.]GUARD" declares the trace that runs once GUARD is hot`

// command runs one REPL or -c command and returns what to print.
func (s *session) command(line string) (string, error) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return "", nil
	}
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	switch f[0] {
	case "help":
		return helpText, nil
	case "load":
		tokens, err := s.load(arg(1))
		if err != nil {
			return "", err
		}
		names := make([]string, len(tokens))
		for i, t := range tokens {
			names[i] = fmt.Sprintf("%s@%#x", t, t.Entry)
		}
		return "compiled " + strings.Join(names, " "), nil
	case "run":
		name, args := "", f[1:]
		if len(args) > 0 {
			if _, ok := s.loops[args[0]]; ok || args[0] == "_" {
				name, args = args[0], args[1:]
			}
		}
		frame, err := s.run(name, args)
		if err != nil {
			return "", err
		}
		return frame.String(), nil
	case "disasm":
		return s.disasm(arg(1))
	case "loops":
		return s.listing(), nil
	case "redirect":
		old, err := s.loop(arg(1))
		if err != nil {
			return "", err
		}
		nw, err := s.loop(arg(2))
		if err != nil {
			return "", err
		}
		return "ok", s.cpu.Asm.RedirectCallAssembler(old, nw)
	case "invalidate":
		t, err := s.loop(arg(1))
		if err != nil {
			return "", err
		}
		s.cpu.Asm.InvalidateLoop(t)
		return "ok", nil
	case "free":
		t, err := s.loop(arg(1))
		if err != nil {
			return "", err
		}
		s.cpu.Asm.FreeLoopAndBridges(t)
		return "ok", nil
	case "reshape":
		return reshape(f[1:])
	case "settings":
		return rt.ChangeSettings(), nil
	case "set":
		return rt.ChangeSettings(f[1:]...), nil
	case "reset":
		ns, err := newSession()
		if err != nil {
			return "", err
		}
		s.Close()
		*s = *ns
		s.cpu.Compiler.Tracer = s
		return s.cpu.Options.String(), nil
	}
	return "", fmt.Errorf("unknown command %s, try help", f[0])
}

func parseShape(s string) ([]int, error) {
	var shape []int
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		shape = append(shape, n)
	}
	return shape, nil
}

func reshape(a []string) (string, error) {
	if len(a) < 2 {
		return "", fmt.Errorf("reshape SHAPE NEWSHAPE [ITEMSIZE [C|F]]")
	}
	old, err := parseShape(a[0])
	if err != nil {
		return "", err
	}
	dims, err := parseShape(a[1])
	if err != nil {
		return "", err
	}
	itemSize, order := 1, strides.C
	if len(a) > 2 {
		if itemSize, err = strconv.Atoi(a[2]); err != nil {
			return "", err
		}
	}
	if len(a) > 3 && a[3] == "F" {
		order = strides.F
	}
	shape, err := strides.NewShape(strides.Size(old), dims)
	if err != nil {
		return "", err
	}
	st, back := strides.CalcStrides(old, itemSize, order)
	nst := strides.CalcNewStrides(shape, old, st, order)
	if nst == nil {
		return "", fmt.Errorf("%v cannot be viewed as %v", old, shape)
	}
	return fmt.Sprintf("strides %v backstrides %v -> shape %v strides %v", st, back, shape, nst), nil
}

// exec runs a command and prints its result or error. Panics are
// printed and do not leave the REPL.
func (s *session) exec(line string) {
	defer func() {
		if r := recover(); r != nil {
			if rt.Settings.Backtrace {
				fmt.Println("panic:", r, string(debug.Stack()))
			} else {
				fmt.Println("panic:", r)
			}
		}
	}()
	out, err := s.command(line)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if out != "" {
		fmt.Print(resultprompt)
		fmt.Println(strings.TrimRight(out, "\n"))
	}
}

// startsTrace is true for the first line of an inline trace.
func startsTrace(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "[") || strings.HasPrefix(t, "loop ") || strings.HasPrefix(t, "bridge ") || strings.HasPrefix(t, "descr ")
}

func (s *session) Repl() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            newprompt,
		HistoryFile:       ".rjit-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	trace := ""
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 && trace == "" {
				break
			}
			trace = ""
			l.SetPrompt(newprompt)
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			panic(err)
		}
		if trace != "" || startsTrace(line) {
			if strings.TrimSpace(line) != "" {
				trace += line + "\n"
				l.SetPrompt(contprompt)
				continue
			}
			s.serial++
			src := trace
			trace = ""
			l.SetPrompt(newprompt)
			func() {
				defer func() {
					if r := recover(); r != nil {
						fmt.Println("panic:", r)
					}
				}()
				tokens, err := s.loadText(fmt.Sprintf("repl%d", s.serial), src)
				if err != nil {
					fmt.Println("error:", err)
					return
				}
				for _, t := range tokens {
					fmt.Printf("%scompiled %s@%#x\n", resultprompt, t, t.Entry)
				}
			}()
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		s.exec(line)
	}
}
