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
package runtime

import (
	"fmt"
	"strings"

	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"github.com/launix-de/rjit/jitlog"
)

type SettingsT struct {
	Backtrace      bool
	Trace          bool
	TracePrint     bool
	GC             string
	RootFinder     string
	CodeArena      string
	Nursery        string
	OldSpace       string
	TraceEagerness int
	SoftFloat      bool
	Cards          bool
	JitlogDir      string // empty = no jitlog
	MaxSteps       int
}

var Settings SettingsT = SettingsT{false, false, false, "framework", "shadowstack", "1MiB", "256KiB", "4MiB", 200, false, true, "", 100000000}

// call this after you filled Settings
func InitSettings() {
	jitlog.SetTrace(Settings.Trace)
	jitlog.TracePrint = Settings.TracePrint
	setJitlogDir(Settings.JitlogDir)
	onexit.Register(func() {
		jitlog.SetTrace(false)
		if jitlog.Default != nil {
			jitlog.Default.Close()
		}
	})
}

func setJitlogDir(dir string) {
	if jitlog.Default != nil {
		jitlog.Default.Close()
		jitlog.Default = nil
	}
	if dir == "" {
		return
	}
	l, err := jitlog.Open(dir)
	if err != nil {
		panic(err)
	}
	jitlog.Default = l
}

// OptionsFromSettings turns the size strings of Settings into Options.
func OptionsFromSettings() (Options, error) {
	o := DefaultOptions()
	o.GC = Settings.GC
	o.RootFinder = Settings.RootFinder
	o.SoftFloat = Settings.SoftFloat
	o.NoCards = !Settings.Cards
	o.MaxSteps = uint64(Settings.MaxSteps)
	o.TraceEagerness = uint32(Settings.TraceEagerness)
	for _, s := range []struct {
		name string
		val  string
		dst  *int
	}{
		{"CodeArena", Settings.CodeArena, &o.CodeSize},
		{"Nursery", Settings.Nursery, &o.NurserySize},
		{"OldSpace", Settings.OldSpace, &o.OldSize},
	} {
		n, err := units.RAMInBytes(s.val)
		if err != nil {
			return o, fmt.Errorf("runtime: setting %s: %w", s.name, err)
		}
		*s.dst = int(n+7) &^ 7
	}
	if o.NurseryChunk > o.NurserySize {
		o.NurseryChunk = o.NurserySize
	}
	return o, nil
}

func boolSetting(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func intSetting(v string) int {
	var i int
	if _, err := fmt.Sscan(v, &i); err != nil {
		panic("invalid number: " + v)
	}
	return i
}

func sizeSetting(v string) string {
	if _, err := units.RAMInBytes(v); err != nil {
		panic("invalid size: " + v)
	}
	return v
}

// ChangeSettings lists all settings, reads one or sets one.
func ChangeSettings(a ...string) string {
	if len(a) == 0 {
		return fmt.Sprintf("Backtrace %v\nTrace %v\nTracePrint %v\nGC %s\nRootFinder %s\nCodeArena %s\nNursery %s\nOldSpace %s\nTraceEagerness %d\nSoftFloat %v\nCards %v\nJitlogDir %q\nMaxSteps %d",
			Settings.Backtrace, Settings.Trace, Settings.TracePrint, Settings.GC, Settings.RootFinder,
			Settings.CodeArena, Settings.Nursery, Settings.OldSpace, Settings.TraceEagerness,
			Settings.SoftFloat, Settings.Cards, Settings.JitlogDir, Settings.MaxSteps)
	} else if len(a) == 1 {
		switch a[0] {
		case "Backtrace":
			return fmt.Sprint(Settings.Backtrace)
		case "Trace":
			return fmt.Sprint(Settings.Trace)
		case "TracePrint":
			return fmt.Sprint(Settings.TracePrint)
		case "GC":
			return Settings.GC
		case "RootFinder":
			return Settings.RootFinder
		case "CodeArena":
			return Settings.CodeArena
		case "Nursery":
			return Settings.Nursery
		case "OldSpace":
			return Settings.OldSpace
		case "TraceEagerness":
			return fmt.Sprint(Settings.TraceEagerness)
		case "SoftFloat":
			return fmt.Sprint(Settings.SoftFloat)
		case "Cards":
			return fmt.Sprint(Settings.Cards)
		case "JitlogDir":
			return Settings.JitlogDir
		case "MaxSteps":
			return fmt.Sprint(Settings.MaxSteps)
		default:
			panic("unknown setting: " + a[0])
		}
	} else {
		switch a[0] {
		case "Backtrace":
			Settings.Backtrace = boolSetting(a[1])
		case "Trace":
			Settings.Trace = boolSetting(a[1])
			jitlog.SetTrace(Settings.Trace)
		case "TracePrint":
			Settings.TracePrint = boolSetting(a[1])
			jitlog.TracePrint = Settings.TracePrint
		case "GC":
			Settings.GC = a[1]
		case "RootFinder":
			Settings.RootFinder = a[1]
		case "CodeArena":
			Settings.CodeArena = sizeSetting(a[1])
		case "Nursery":
			Settings.Nursery = sizeSetting(a[1])
		case "OldSpace":
			Settings.OldSpace = sizeSetting(a[1])
		case "TraceEagerness":
			Settings.TraceEagerness = intSetting(a[1])
		case "SoftFloat":
			Settings.SoftFloat = boolSetting(a[1])
		case "Cards":
			Settings.Cards = boolSetting(a[1])
		case "JitlogDir":
			Settings.JitlogDir = a[1]
			setJitlogDir(a[1])
		case "MaxSteps":
			Settings.MaxSteps = intSetting(a[1])
		default:
			panic("unknown setting: " + a[0])
		}
		return "ok"
	}
}
