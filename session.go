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
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/launix-de/rjit/arm"
	"github.com/launix-de/rjit/guard"
	"github.com/launix-de/rjit/ir"
	rt "github.com/launix-de/rjit/runtime"
)

// session is the set of loops compiled into one CPU. Declared descrs and
// compiled loops are visible to every trace loaded later.
type session struct {
	cpu     *rt.CPU
	decls   map[string]ir.Descr
	loops   map[string]*ir.JitCellToken
	spaces  map[string]*ir.Namespace // loop or bridge -> names of its trace
	pending map[*ir.FailDescr]pendingBridge
	files   map[string][]string // file -> loops it defined
	last    string
	serial  int
}

// pendingBridge is a bridge trace waiting for its guard to get hot.
type pendingBridge struct {
	name  string
	trace *ir.Trace
}

func newSession() (*session, error) {
	o, err := rt.OptionsFromSettings()
	if err != nil {
		return nil, err
	}
	cpu, err := rt.New(o)
	if err != nil {
		return nil, err
	}
	s := &session{
		cpu:     cpu,
		decls:   map[string]ir.Descr{},
		loops:   map[string]*ir.JitCellToken{},
		spaces:  map[string]*ir.Namespace{},
		pending: map[*ir.FailDescr]pendingBridge{},
		files:   map[string][]string{},
	}
	cpu.Compiler.Tracer = s
	return s, nil
}

func (s *session) Close() error {
	return s.cpu.Close()
}

// unit is one loop or bridge of a trace file.
type unit struct {
	name string
	from string // guard a bridge attaches to; empty for loops
	line int
	src  string
}

// readFile reads a trace file, uncompressing .xz files.
func readFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		if r, err = xz.NewReader(f); err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
	}
	var b bytes.Buffer
	if _, err := io.Copy(&b, r); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return b.String(), nil
}

// defaultName names the loop of a file without loop headers.
func defaultName(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".xz", ".trace", ".txt"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// split cuts source text into loops. A line `loop NAME` starts a loop,
// `bridge NAME from [LOOP.]GUARD` a bridge, `descr NAME KIND key=value...`
// declares a descr, anything else belongs to the current loop.
func (s *session) split(text, fallback string) ([]unit, error) {
	var units []unit
	var cur *unit
	for i, raw := range strings.Split(text, "\n") {
		fields := strings.Fields(raw)
		switch {
		case len(fields) > 0 && fields[0] == "descr":
			d, err := parseDescr(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			s.decls[fields[1]] = d
			continue
		case len(fields) == 2 && fields[0] == "loop":
			units = append(units, unit{name: fields[1], line: i + 1})
			cur = &units[len(units)-1]
			continue
		case len(fields) > 0 && fields[0] == "bridge":
			if len(fields) != 4 || fields[2] != "from" {
				return nil, fmt.Errorf("line %d: expected bridge NAME from GUARD", i+1)
			}
			units = append(units, unit{name: fields[1], from: fields[3], line: i + 1})
			cur = &units[len(units)-1]
			continue
		}
		if cur == nil {
			if strings.TrimSpace(raw) == "" || strings.HasPrefix(strings.TrimSpace(raw), "#") {
				continue
			}
			units = append(units, unit{name: fallback, line: i + 1})
			cur = &units[len(units)-1]
		}
		cur.src += raw + "\n"
	}
	return units, nil
}

func parseFlag(v string) (ir.FieldFlag, error) {
	switch v {
	case "ptr", "p":
		return ir.FlagPointer, nil
	case "signed", "s":
		return ir.FlagSigned, nil
	case "unsigned", "u":
		return ir.FlagUnsigned, nil
	case "float", "f":
		return ir.FlagFloat, nil
	case "struct":
		return ir.FlagStruct, nil
	case "void":
		return ir.FlagVoid, nil
	}
	return 0, fmt.Errorf("unknown flag %q", v)
}

func parseType(c byte) (ir.Type, error) {
	switch c {
	case 'i':
		return ir.TypeInt, nil
	case 'r', 'p':
		return ir.TypeRef, nil
	case 'f':
		return ir.TypeFloat, nil
	case 'v':
		return ir.TypeVoid, nil
	}
	return 0, fmt.Errorf("unknown type %q", c)
}

// parseDescr reads `NAME KIND key=value...`:
//
//	descr node size size=16 tid=3
//	descr next field ofs=8 size=4 flag=ptr
//	descr items array base=8 item=4 len=4 tid=5 flag=ptr
//	descr add call args=ii result=i
func parseDescr(f []string) (ir.Descr, error) {
	if len(f) < 2 {
		return nil, fmt.Errorf("descr needs a name and a kind")
	}
	name, kind := f[0], f[1]
	kv := map[string]string{}
	for _, a := range f[2:] {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("descr %s: expected key=value, got %q", name, a)
		}
		kv[k] = v
	}
	num := func(k string, def int) (int, error) {
		v, ok := kv[k]
		if !ok {
			return def, nil
		}
		n, err := strconv.ParseInt(v, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("descr %s: %s: %w", name, k, err)
		}
		return int(n), nil
	}
	flag := func(def ir.FieldFlag) (ir.FieldFlag, error) {
		if v, ok := kv["flag"]; ok {
			return parseFlag(v)
		}
		return def, nil
	}
	var err error
	switch kind {
	case "size":
		d := &ir.SizeDescr{Name: name}
		var tid int
		if d.Size, err = num("size", 0); err != nil {
			return nil, err
		}
		if tid, err = num("tid", 0); err != nil {
			return nil, err
		}
		d.TypeID = uint16(tid)
		return d, nil
	case "field":
		d := &ir.FieldDescr{Name: name}
		if d.Offset, err = num("ofs", 0); err != nil {
			return nil, err
		}
		if d.FieldSize, err = num("size", 4); err != nil {
			return nil, err
		}
		if d.Flag, err = flag(ir.FlagSigned); err != nil {
			return nil, err
		}
		return d, nil
	case "array":
		d := &ir.ArrayDescr{Name: name}
		var tid int
		if d.BaseSize, err = num("base", 8); err != nil {
			return nil, err
		}
		if d.ItemSize, err = num("item", 4); err != nil {
			return nil, err
		}
		if d.LenOffset, err = num("len", 4); err != nil {
			return nil, err
		}
		if tid, err = num("tid", 0); err != nil {
			return nil, err
		}
		d.TypeID = uint16(tid)
		if d.Flag, err = flag(ir.FlagSigned); err != nil {
			return nil, err
		}
		return d, nil
	case "call":
		d := &ir.CallDescr{Name: name, ResultType: ir.TypeVoid, Effect: ir.DefaultEffect}
		for i := 0; i < len(kv["args"]); i++ {
			t, err := parseType(kv["args"][i])
			if err != nil {
				return nil, fmt.Errorf("descr %s: %w", name, err)
			}
			d.ArgTypes = append(d.ArgTypes, t)
		}
		if r := kv["result"]; r != "" {
			if d.ResultType, err = parseType(r[0]); err != nil {
				return nil, fmt.Errorf("descr %s: %w", name, err)
			}
		}
		d.ResultSize = d.ResultType.Size()
		d.ResultSigned = d.ResultType == ir.TypeInt
		return d, nil
	}
	return nil, fmt.Errorf("descr %s: unknown kind %s", name, kind)
}

// namespace is what a new trace can refer to: declared descrs and the
// compiled loops, for call_assembler.
func (s *session) namespace() *ir.Namespace {
	ns := ir.NewNamespace(s.cpu.Cells)
	for k, d := range s.decls {
		ns.Add(k, d)
	}
	for k, t := range s.loops {
		ns.Add(k, t)
	}
	return ns
}

// compile compiles one loop. A loop that replaces one of the same name
// takes over its callers when the inputs match, otherwise the old code is
// freed.
func (s *session) compile(name, src string) (*ir.JitCellToken, error) {
	ns := s.namespace()
	trace, err := ir.Parse(src, ns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	token := s.cpu.Cells.NewCell(name)
	if err := s.cpu.Compile(token, trace); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if old, ok := s.loops[name]; ok && old.Entry != 0 {
		if err := s.cpu.Asm.RedirectCallAssembler(old, token); err != nil {
			s.cpu.Asm.FreeLoopAndBridges(old)
		}
	}
	s.loops[name] = token
	s.spaces[name] = ns
	s.last = name
	return token, nil
}

// guardByRef finds a guard by `loop.guard`, or by its bare name when only
// one loop or bridge has a guard of that name.
func (s *session) guardByRef(ref string) (string, *ir.FailDescr, error) {
	if owner, name, ok := strings.Cut(ref, "."); ok {
		ns, found := s.spaces[owner]
		if !found {
			return "", nil, fmt.Errorf("no loop %q", owner)
		}
		if d, ok := ns.Descrs[name].(*ir.FailDescr); ok && !d.IsFinal() {
			return owner, d, nil
		}
		return "", nil, fmt.Errorf("%s has no guard %q", owner, name)
	}
	owners := make([]string, 0, len(s.spaces))
	for n := range s.spaces {
		owners = append(owners, n)
	}
	sort.Strings(owners)
	var owner string
	var found *ir.FailDescr
	for _, n := range owners {
		if d, ok := s.spaces[n].Descrs[ref].(*ir.FailDescr); ok && !d.IsFinal() {
			if found != nil {
				return "", nil, fmt.Errorf("guard %q is in %s and %s, write LOOP.%s", ref, owner, n, ref)
			}
			owner, found = n, d
		}
	}
	if found == nil {
		return "", nil, fmt.Errorf("no guard %q", ref)
	}
	return owner, found, nil
}

// addBridge parses a bridge and keeps it until its guard gets hot. The
// bridge sees the labels of the trace that owns the guard.
func (s *session) addBridge(u unit) error {
	owner, d, err := s.guardByRef(u.from)
	if err != nil {
		return fmt.Errorf("%s: %w", u.name, err)
	}
	ns := s.namespace()
	for k, v := range s.spaces[owner].Descrs {
		if _, ok := v.(*ir.TargetToken); ok {
			ns.Add(k, v)
		}
	}
	trace, err := ir.Parse(u.src, ns)
	if err != nil {
		return fmt.Errorf("%s: %w", u.name, err)
	}
	s.spaces[u.name] = ns
	s.pending[d] = pendingBridge{name: u.name, trace: trace}
	return nil
}

// TraceBridge hands the guard compiler the bridge declared for a hot
// guard. Guards without one keep failing into the interpreter.
func (s *session) TraceBridge(d *ir.FailDescr, f *guard.DeadFrame) (*ir.Trace, error) {
	b, ok := s.pending[d]
	if !ok {
		return nil, guard.ErrAbort
	}
	delete(s.pending, d)
	return b.trace, nil
}

// load compiles every loop of a file.
func (s *session) load(path string) ([]*ir.JitCellToken, error) {
	text, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return s.loadText(path, text)
}

func (s *session) loadText(path, text string) ([]*ir.JitCellToken, error) {
	units, err := s.split(text, defaultName(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var tokens []*ir.JitCellToken
	var names []string
	for _, u := range units {
		if u.from != "" {
			if err := s.addBridge(u); err != nil {
				return tokens, fmt.Errorf("%s:%d: %w", path, u.line, err)
			}
			names = append(names, u.name)
			continue
		}
		t, err := s.compile(u.name, u.src)
		if err != nil {
			return tokens, fmt.Errorf("%s:%d: %w", path, u.line, err)
		}
		tokens = append(tokens, t)
		names = append(names, u.name)
	}
	s.files[path] = names
	return tokens, nil
}

// loop finds a loop by name; the empty name is the last one compiled.
func (s *session) loop(name string) (*ir.JitCellToken, error) {
	if name == "" || name == "_" {
		name = s.last
	}
	t, ok := s.loops[name]
	if !ok {
		return nil, fmt.Errorf("no loop %q", name)
	}
	return t, nil
}

// parseArgs reads one value per input of token: integers, refs (with
// or without a p prefix) and floats.
func parseArgs(token *ir.JitCellToken, args []string) ([]guard.Value, error) {
	if len(args) != len(token.InputTypes) {
		return nil, fmt.Errorf("%s takes %d args, got %d", token, len(token.InputTypes), len(args))
	}
	vals := make([]guard.Value, len(args))
	for i, a := range args {
		switch token.InputTypes[i] {
		case ir.TypeInt:
			n, err := strconv.ParseInt(a, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			vals[i] = guard.IntValue(int32(n))
		case ir.TypeRef:
			n, err := strconv.ParseUint(strings.TrimPrefix(a, "p"), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			vals[i] = guard.RefValue(uint32(n))
		case ir.TypeFloat:
			f, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			vals[i] = guard.FloatValue(f)
		}
	}
	return vals, nil
}

func (s *session) run(name string, args []string) (*guard.DeadFrame, error) {
	token, err := s.loop(name)
	if err != nil {
		return nil, err
	}
	vals, err := parseArgs(token, args)
	if err != nil {
		return nil, err
	}
	return s.cpu.Run(token, vals...)
}

// disasm lists the code blocks of a loop.
func (s *session) disasm(name string) (string, error) {
	token, err := s.loop(name)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, r := range token.Blocks {
		if _, ok := s.cpu.Asm.Code.BlockAt(r.Start); !ok {
			continue // frame data
		}
		b.WriteString(arm.Disassemble(s.cpu.Mem.Read(r.Start, int(r.Stop-r.Start)), r.Start))
	}
	return b.String(), nil
}

// listing is one line per loop.
func (s *session) listing() string {
	names := make([]string, 0, len(s.loops))
	for n := range s.loops {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		t := s.loops[n]
		state := "ok"
		switch {
		case t.Entry == 0:
			state = "freed"
		case t.Invalid:
			state = "invalid"
		case t.Redirected != ir.NoCell:
			state = "-> " + s.cpu.Cells.Cell(s.cpu.Cells.Resolve(t.ID())).String()
		}
		fmt.Fprintf(&b, "%-16s %#08x %3d words %d bridges %s\n", n, t.Entry, t.FrameDepth, len(t.Bridges), state)
	}
	return b.String()
}
