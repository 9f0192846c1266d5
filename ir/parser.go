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
package ir

import (
	"fmt"
	"strconv"
	"strings"

	packrat "github.com/launix-de/go-packrat/v2"
)

// Namespace resolves the names a trace text refers to.
type Namespace struct {
	Descrs  map[string]Descr
	Classes map[string]uint32 // ConstClass(name) -> vtable address
	Arena   *TokenArena
}

func NewNamespace(arena *TokenArena) *Namespace {
	return &Namespace{Descrs: map[string]Descr{}, Classes: map[string]uint32{}, Arena: arena}
}

// Add registers a descr under its name.
func (ns *Namespace) Add(name string, d Descr) {
	ns.Descrs[name] = d
}

// ParseError carries the line of the offending input.
type ParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ir: line %d: %s: %q", e.Line, e.Msg, e.Text)
}

type parser struct {
	ns    *Namespace
	boxes map[string]*Box
	line  int
	text  string
	guard int
}

// Parse reads a trace in the text format:
//
//	[i0, p1]
//	label(i0, p1, descr=loop)
//	i1 = int_add(i0, 1)
//	guard_true(i1, descr=g1) [i0]
//	jump(i1, p1, descr=loop)
//
// Unknown target names on label and jump become fresh target tokens,
// guards and finish without a known descr get a fresh fail descr.
func Parse(src string, ns *Namespace) (*Trace, error) {
	if ns == nil {
		ns = NewNamespace(NewTokenArena())
	}
	if ns.Arena == nil {
		ns.Arena = NewTokenArena()
	}
	p := &parser{ns: ns, boxes: map[string]*Box{}}
	t := &Trace{}
	seenInputs := false
	for i, raw := range strings.Split(src, "\n") {
		p.line = i + 1
		line := raw
		if j := strings.IndexByte(line, '#'); j >= 0 {
			line = line[:j]
		}
		line = strings.TrimSpace(line)
		p.text = line
		if line == "" {
			continue
		}
		if line[0] == '[' && !seenInputs && len(t.Ops) == 0 {
			names, err := p.inputs(line)
			if err != nil {
				return nil, err
			}
			for _, name := range names {
				b, err := p.newBox(name)
				if err != nil {
					return nil, err
				}
				t.InputArgs = append(t.InputArgs, b)
			}
			seenInputs = true
			continue
		}
		op, err := p.parseOp(line)
		if err != nil {
			return nil, err
		}
		t.Ops = append(t.Ops, op)
	}
	if len(t.Ops) == 0 {
		return nil, ErrEmptyTrace
	}
	return t, nil
}

func (p *parser) fail(msg string, args ...any) error {
	return &ParseError{Line: p.line, Text: p.text, Msg: fmt.Sprintf(msg, args...)}
}

func typeOfName(name string) (Type, bool) {
	if name == "" {
		return TypeVoid, false
	}
	switch name[0] {
	case 'i':
		return TypeInt, true
	case 'p':
		return TypeRef, true
	case 'f':
		return TypeFloat, true
	}
	return TypeVoid, false
}

func (p *parser) newBox(name string) (*Box, error) {
	name = strings.TrimSpace(name)
	if _, dup := p.boxes[name]; dup {
		return nil, p.fail("box %s defined twice", name)
	}
	t, ok := typeOfName(name)
	if !ok {
		return nil, p.fail("box name %s must start with i, p or f", name)
	}
	b := NewNamedBox(t, name)
	p.boxes[name] = b
	return b, nil
}

// The grammar of one trace line. Values are matched as whole tokens and
// resolved afterwards, so the grammar does not need to know box names.
var (
	identParser = packrat.NewRegexParser(`[A-Za-z_][A-Za-z0-9_]*`, false, true)
	valueParser = packrat.NewRegexParser(`Const(?:Ptr|Class|Float)\([^()]*\)|'[^']*'|"[^"]*"|[^\s,()\[\]'"=]+`, false, true)
	commaParser = packrat.NewAtomParser(",", false, true)

	descrArgParser = packrat.NewAndParser(packrat.NewAtomParser("descr", false, true), packrat.NewAtomParser("=", false, true), identParser)
	argParser      = packrat.NewOrParser(descrArgParser, valueParser)
	boxListParser  = packrat.NewAndParser(packrat.NewAtomParser("[", false, true), packrat.NewKleeneParser(valueParser, commaParser), packrat.NewAtomParser("]", false, true))

	// [i0, p1]
	inputLineParser = packrat.NewAndParser(boxListParser, packrat.NewEndParser(true))
	// res = name(args, descr=d) [failargs]
	opLineParser = packrat.NewAndParser(
		packrat.NewMaybeParser(packrat.NewAndParser(identParser, packrat.NewAtomParser("=", false, true))),
		identParser,
		packrat.NewAtomParser("(", false, true),
		packrat.NewKleeneParser(argParser, commaParser),
		packrat.NewAtomParser(")", false, true),
		packrat.NewMaybeParser(boxListParser),
		packrat.NewEndParser(true),
	)
)

func (p *parser) match(root packrat.Parser, line string) (*packrat.Node, error) {
	n, err := packrat.Parse(root, packrat.NewScanner(line, packrat.SkipWhitespaceAndCommentsRegex))
	if err != nil || n == nil {
		return nil, p.fail("syntax error: %v", err)
	}
	return n, nil
}

// listItems returns the matched items of a Kleene node, skipping the
// separators.
func listItems(n *packrat.Node) []string {
	var out []string
	for i := 0; i < len(n.Children); i += 2 {
		out = append(out, strings.TrimSpace(n.Children[i].Matched))
	}
	return out
}

func (p *parser) inputs(line string) ([]string, error) {
	n, err := p.match(inputLineParser, line)
	if err != nil {
		return nil, err
	}
	return listItems(n.Children[0].Children[1]), nil
}

func (p *parser) parseOp(line string) (*Op, error) {
	n, err := p.match(opLineParser, line)
	if err != nil {
		return nil, err
	}
	resname := ""
	if res := n.Children[0]; len(res.Children) > 0 {
		resname = strings.TrimSpace(res.Children[0].Children[0].Matched)
	}
	name := strings.TrimSpace(n.Children[1].Matched)
	opcode, ok := OpcodeByName(name)
	if !ok {
		return nil, p.fail("unknown operation %s", name)
	}
	op := &Op{Opcode: opcode}
	descrName := ""
	args := n.Children[3]
	for i := 0; i < len(args.Children); i += 2 {
		arg := args.Children[i].Children[0] // or: descr=... or a value
		if arg.Parser == descrArgParser {
			descrName = strings.TrimSpace(arg.Children[2].Matched)
			continue
		}
		if opcode == DebugMergePoint || opcode == JitDebug {
			continue // free-form payload
		}
		v, err := p.value(arg.Matched)
		if err != nil {
			return nil, err
		}
		op.Args = append(op.Args, v)
	}
	if fail := n.Children[5]; len(fail.Children) > 0 {
		op.FailArgs = []*Box{}
		for _, name := range listItems(fail.Children[0].Children[1]) {
			if name == "None" {
				op.FailArgs = append(op.FailArgs, nil)
				continue
			}
			b, ok := p.boxes[name]
			if !ok {
				return nil, p.fail("unknown fail arg %s", name)
			}
			op.FailArgs = append(op.FailArgs, b)
		}
	}
	if err := p.descr(op, descrName); err != nil {
		return nil, err
	}
	if resname != "" {
		b, err := p.newBox(resname)
		if err != nil {
			return nil, err
		}
		op.Result = b
	}
	return op, nil
}

func (p *parser) descr(op *Op, name string) error {
	if name != "" {
		if d, ok := p.ns.Descrs[name]; ok {
			op.Descr = d
			return nil
		}
	}
	switch {
	case op.Opcode == Label || op.Opcode == Jump:
		if name == "" {
			return nil // jump to the preceding label
		}
		tt := p.ns.Arena.NewTarget(name, NoCell)
		p.ns.Descrs[name] = tt
		op.Descr = tt
	case op.Opcode.IsGuard():
		p.guard++
		if name == "" {
			name = "guard" + strconv.Itoa(p.guard)
		}
		d := NewFailDescr(name)
		d.GuardOp = op.Opcode
		p.ns.Descrs[name] = d
		op.Descr = d
	case op.Opcode == Finish:
		kind := FinishKind(op.Args)
		if name == "" {
			name = kind.String()
			if d, ok := p.ns.Descrs[name]; ok {
				op.Descr = d
				return nil
			}
		}
		d := NewFinalDescr(name, kind)
		p.ns.Descrs[name] = d
		op.Descr = d
	case name != "":
		return p.fail("unknown descr %s", name)
	}
	return nil
}

func (p *parser) value(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if b, ok := p.boxes[s]; ok {
		return b, nil
	}
	switch {
	case s == "NULL":
		return ConstRef(0), nil
	case strings.HasPrefix(s, "ConstPtr(") && strings.HasSuffix(s, ")"):
		inner := s[len("ConstPtr(") : len(s)-1]
		if addr, ok := p.ns.Classes[inner]; ok {
			return ConstRef(addr), nil
		}
		n, err := strconv.ParseUint(inner, 0, 32)
		if err != nil {
			return nil, p.fail("bad ConstPtr %s", inner)
		}
		return ConstRef(uint32(n)), nil
	case strings.HasPrefix(s, "ConstClass(") && strings.HasSuffix(s, ")"):
		inner := s[len("ConstClass(") : len(s)-1]
		addr, ok := p.ns.Classes[inner]
		if !ok {
			return nil, p.fail("unknown class %s", inner)
		}
		return ConstInt(int32(addr)), nil
	case strings.HasPrefix(s, "ConstFloat(") && strings.HasSuffix(s, ")"):
		f, err := strconv.ParseFloat(s[len("ConstFloat("):len(s)-1], 64)
		if err != nil {
			return nil, p.fail("bad float %s", s)
		}
		return ConstFloat(f), nil
	}
	if strings.ContainsAny(s, ".eE") && !strings.HasPrefix(s, "0x") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return ConstFloat(f), nil
		}
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		if n < -1<<31 || n > 1<<32-1 {
			return nil, p.fail("integer %s does not fit a word", s)
		}
		return ConstInt(int32(n)), nil
	}
	return nil, p.fail("unknown value %s", s)
}
