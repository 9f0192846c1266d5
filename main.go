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
/*
	rjit: tracing JIT back-end for ARMv7, running in a simulated core

*/
package main

import "os"
import "fmt"
import "flag"
import "time"
import "strings"
import "syscall"
import "net/http"
import "os/signal"
import "crypto/rand"
import "runtime/pprof"
import "github.com/google/uuid"
import "github.com/fsnotify/fsnotify"
import "github.com/launix-de/rjit/jitlog"
import rt "github.com/launix-de/rjit/runtime"

// workaround for flags package to allow multiple values
type arrayFlags []string

func (i *arrayFlags) String() string {
	return "dummy"
}

func (i *arrayFlags) Set(value string) error {
	*i = append(*i, value)
	return nil
}

// watch recompiles files whenever they change on disk. Loops that keep
// their inputs take over the callers of the old version.
func (s *session) watch(files []string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		panic(err)
	}
	go func() {
		for {
			select {
			case event := <-watcher.Events:
				// flush all other events
				for {
					time.Sleep(10 * time.Millisecond) // delay a bit, so we don't read empty files
					select {
					case <-watcher.Events:
						// ignore
					default:
						goto reload
					}
				}
			reload:
				func() {
					defer func() {
						if err := recover(); err != nil {
							fmt.Println(err)
						}
					}()
					tokens, err := s.load(event.Name)
					if err != nil {
						fmt.Println("reload:", err)
						return
					}
					fmt.Println("reloaded", event.Name, len(tokens), "loops")
				}()
				watcher.Add(event.Name) // text editors rename, so we have to rewatch
			case err := <-watcher.Errors:
				fmt.Println("watch:", err)
			}
		}
	}()
	for _, f := range files {
		if err := watcher.Add(f); err != nil {
			panic(err)
		}
	}
}

// runFlag is `LOOP:ARG,ARG` or just `ARG,ARG` for the last loop.
func (s *session) runFlag(v string) {
	name, args, ok := strings.Cut(v, ":")
	if !ok {
		name, args = "", v
	}
	var list []string
	if args != "" {
		list = strings.Split(args, ",")
	}
	frame, err := s.run(name, list)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(frame)
}

func main() {
	fmt.Print(`rjit Copyright (C) 2023, 2024   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;

`)

	// init random generator for UUIDs
	uuid.SetRand(rand.Reader)

	// parse command line options
	var commands, files arrayFlags
	flag.Var(&commands, "c", "Execute a command after loading")
	flag.Var(&files, "f", "Trace file to compile (also as plain argument)")

	var runs arrayFlags
	flag.Var(&runs, "run", "Run a loop after loading: LOOP:ARG,ARG or ARG,ARG for the last loop")

	disasm := false
	flag.BoolVar(&disasm, "disasm", false, "Print the code of every loaded loop")
	watch := false
	flag.BoolVar(&watch, "watch", false, "Recompile trace files when they change")
	listen := ""
	flag.StringVar(&listen, "listen", "", "Serve the live jitlog websocket on this address")
	flag.StringVar(&rt.Settings.JitlogDir, "jitlog", rt.Settings.JitlogDir, "Folder for jitlog files")
	flag.StringVar(&rt.Settings.GC, "gc", rt.Settings.GC, "Collector: framework or boehm")
	flag.StringVar(&rt.Settings.RootFinder, "root", rt.Settings.RootFinder, "Root finder: shadowstack or asmgcc")
	flag.StringVar(&rt.Settings.CodeArena, "arena", rt.Settings.CodeArena, "Size of the code arena")
	flag.BoolVar(&rt.Settings.Trace, "trace", rt.Settings.Trace, "Write a chrome trace of the compilations")

	profile := ""
	flag.StringVar(&profile, "profile", "", "Write a CPU profile to this file")

	interactive := false
	flag.BoolVar(&interactive, "i", false, "Start the REPL even when files are given")

	flag.Parse()
	files = append(files, flag.Args()...)

	rt.InitSettings()
	s, err := newSession()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println(s.cpu.Options)

	if listen != "" {
		live := jitlog.NewLiveServer()
		if jitlog.Default == nil {
			jitlog.Default = jitlog.NewLogger()
		}
		jitlog.Default.AddSink(live)
		mux := http.NewServeMux()
		mux.Handle("/jitlog", live)
		go func() {
			if err := http.ListenAndServe(listen, mux); err != nil {
				fmt.Println("listen:", err)
			}
		}()
		fmt.Println("live jitlog on ws://" + listen + "/jitlog")
	}

	// install exit handler
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)
	go (func() {
		<-cancelChan
		exitroutine(s)
		os.Exit(1)
	})()

	// init profiling
	if profile != "" {
		f, err := os.Create(profile)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	failed := false
	for _, file := range files {
		fmt.Println("Loading " + file + " ...")
		tokens, err := s.load(file)
		if err != nil {
			fmt.Println("error:", err)
			failed = true
			continue
		}
		for _, t := range tokens {
			fmt.Printf("compiled %s at %#x\n", t, t.Entry)
			if disasm {
				text, _ := s.disasm(t.Name)
				fmt.Print(text)
			}
		}
	}
	for _, r := range runs {
		s.runFlag(r)
	}
	for _, command := range commands {
		fmt.Println("Executing " + command + " ...")
		s.exec(command)
	}

	if watch && len(files) > 0 {
		s.watch(files)
	}
	if len(files) == 0 || interactive || watch {
		fmt.Print(`

    Type help to show help

`)
		// REPL shell
		s.Repl()
	}

	// normal shutdown
	exitroutine(s)
	if failed {
		os.Exit(1)
	}
}

func exitroutine(s *session) {
	fmt.Println("Exit procedure...")
	loops, bridges := s.cpu.Compiler.Stats()
	fmt.Printf("%d loops, %d bridges, %d runs\n", loops, bridges, s.cpu.Stats.Runs.Load())
	if jitlog.Default != nil {
		if err := jitlog.Default.Close(); err != nil {
			fmt.Println("jitlog:", err)
		}
		jitlog.Default = nil
	}
	jitlog.SetTrace(false)
	s.Close()
	fmt.Println("Exit procedure finished")
}
