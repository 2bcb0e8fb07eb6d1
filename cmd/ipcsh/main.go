// Command ipcsh is a batch shell over package ipc: each line of a script
// invokes one syscall-shaped verb against a single running Kernel and
// binds its result to a name for later lines to reference, so a script
// can exercise pipes, sockets and threads without writing Go. Grounded on
// xtaci-kcptun/client/main.go's urfave/cli App + JSON config override
// structure, with golang.org/x/sync/errgroup joining several spawned
// threads in parallel ("joinall") the way gosuda-portal fans out task
// groups.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gokernel/ipc"
	"github.com/gokernel/ipc/ipcsys"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "ipcsh"
	app.Usage = "batch driver for the ipc kernel"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "maxport", Value: ipc.DefaultMaxPort, Usage: "highest usable socket port"},
		cli.IntFlag{Name: "maxfds", Value: ipc.MaxFileDescriptors, Usage: "per-process handle table size"},
		cli.StringFlag{Name: "script, s", Usage: "path to a script file; - for stdin"},
		cli.StringFlag{Name: "loglevel", Value: "info", Usage: "trace|debug|info|warn|error"},
		cli.StringFlag{Name: "logfile", Usage: "write logs here instead of stderr"},
		cli.StringFlag{Name: "config, c", Usage: "JSON config file overriding the flags above"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := &Config{
		MaxPort:            c.Int("maxport"),
		MaxFileDescriptors: c.Int("maxfds"),
		Script:             c.String("script"),
		LogLevel:           c.String("loglevel"),
		LogFile:            c.String("logfile"),
	}
	if path := c.String("config"); path != "" {
		if err := parseJSONConfig(path, cfg); err != nil {
			return err
		}
	}

	logOut := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.Create(cfg.LogFile)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		logOut = f
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "parse loglevel")
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: logOut, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	if cfg.Script == "" {
		return errors.New("a -script is required")
	}
	var src *os.File
	if cfg.Script == "-" {
		src = os.Stdin
	} else {
		src, err = os.Open(cfg.Script)
		if err != nil {
			return errors.Wrap(err, "open script")
		}
		defer src.Close()
	}

	k := ipc.NewKernel(
		ipc.WithMaxPort(cfg.MaxPort),
		ipc.WithMaxFileDescriptors(cfg.MaxFileDescriptors),
		ipc.WithLogger(log),
	)
	proc := k.NewProcess(k.InitProcess())

	sh := newShell(k, proc, log)

	var runErr error
	root, err := proc.CreateThread(func(self *ipc.Thread, _ interface{}) int {
		sh.self = self
		runErr = sh.run(src)
		if runErr != nil {
			return 1
		}
		return 0
	}, nil)
	if err != nil {
		return errors.Wrap(err, "start root thread")
	}

	bootstrap, err := proc.CreateThread(func(self *ipc.Thread, _ interface{}) int {
		self.Join(root)
		return 0
	}, nil)
	if err != nil {
		return errors.Wrap(err, "start bootstrap thread")
	}
	// bootstrap's sole purpose is to block until root's script finishes.
	// Nothing joins it, so it is detached: its descriptor is dropped from
	// the process's thread table when it exits. The process's last-thread
	// teardown runs once both threads have exited.
	proc.DetachThread(bootstrap)
	if _, err := k.InitProcess().Wait(); err != nil {
		return errors.Wrap(err, "wait for script process")
	}
	return runErr
}

// shell interprets one script: each line is "verb arg...", results of a
// verb are bound to $name via "name = verb arg..." for later reference.
type shell struct {
	k    *ipc.Kernel
	proc *ipc.Process
	tbl  *ipcsys.Table
	log  zerolog.Logger
	self *ipc.Thread

	vars    map[string]int
	stopped bool
}

func newShell(k *ipc.Kernel, p *ipc.Process, log zerolog.Logger) *shell {
	return &shell{k: k, proc: p, tbl: ipcsys.New(k, p), log: log, vars: make(map[string]int)}
}

func (sh *shell) run(src *os.File) error {
	scanner := bufio.NewScanner(src)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := sh.exec(line); err != nil {
			return errors.Wrapf(err, "line %d: %q", lineNo, line)
		}
		if sh.stopped {
			// exit never returns in the original source; here it just means
			// no further lines of this script run.
			break
		}
	}
	return scanner.Err()
}

// exec dispatches one line. "spawn name { cmd; cmd; ... }" launches a
// thread that runs the enclosed semicolon-separated commands concurrently
// with the rest of the script; "join name" or "joinall name..." waits for
// it, so a script can describe a producer/consumer pair in a few lines
// without writing Go.
func (sh *shell) exec(line string) error {
	name, rest, bound := strings.Cut(line, "=")
	if bound {
		name = strings.TrimSpace(name)
		rest = strings.TrimSpace(rest)
	} else {
		rest = line
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil
	}
	verb, args := fields[0], fields[1:]

	switch verb {
	case "spawn":
		return sh.execSpawn(args)
	case "joinall":
		return sh.execJoinAll(sh.self, args)
	case "join":
		tid, ok := sh.vars["tid."+args[0]]
		if !ok {
			return errors.Errorf("no such spawned thread %q", args[0])
		}
		if sh.tbl.Join(sh.self, tid) != ipcsys.Ok {
			return errors.Errorf("join %q failed", args[0])
		}
		return nil
	case "detach":
		tid, ok := sh.vars["tid."+args[0]]
		if !ok {
			return errors.Errorf("no such spawned thread %q", args[0])
		}
		if sh.tbl.Detach(tid) != ipcsys.Ok {
			return errors.Errorf("detach %q failed", args[0])
		}
		return nil
	case "exit":
		code, err := sh.resolve(args[0])
		if err != nil {
			return err
		}
		sh.tbl.Exit(sh.self, code)
		sh.stopped = true
		return nil
	}

	val, err := sh.dispatch(verb, args)
	if err != nil {
		return err
	}
	if bound {
		sh.vars[name] = val
	}
	sh.log.Debug().Str("verb", verb).Int("result", val).Msg("executed")
	return nil
}

// execSpawn runs its body under a fresh user-level thread so the caller
// script can "spawn writer { ... }" and later "join writer"
// to synchronize, rather than relying on wall-clock sleeps.
func (sh *shell) execSpawn(args []string) error {
	if len(args) == 0 {
		return errors.New("spawn requires a thread name")
	}
	name := args[0]

	body := strings.Join(args[1:], " ")
	body = strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(body), "}"), "{")
	cmds := strings.Split(body, ";")

	th, err := sh.proc.CreateThread(func(self *ipc.Thread, _ interface{}) int {
		for _, cmd := range cmds {
			cmd = strings.TrimSpace(cmd)
			if cmd == "" {
				continue
			}
			if err := sh.exec(cmd); err != nil {
				sh.log.Error().Err(err).Str("thread", name).Msg("spawned thread failed")
				return 1
			}
		}
		return 0
	}, nil)
	if err != nil {
		return errors.Wrap(err, "spawn")
	}
	sh.vars["tid."+name] = th.ID()
	return nil
}

// execJoinAll joins every thread name given, in parallel, via errgroup —
// the concurrent counterpart to joining one at a time with "join name".
func (sh *shell) execJoinAll(self *ipc.Thread, names []string) error {
	var g errgroup.Group
	for _, n := range names {
		tid, ok := sh.vars["tid."+n]
		if !ok {
			return errors.Errorf("no such spawned thread %q", n)
		}
		g.Go(func() error {
			target := sh.proc.FindThread(tid)
			if target == nil {
				return errors.Errorf("thread %d already reaped", tid)
			}
			_, err := self.Join(target)
			return err
		})
	}
	return g.Wait()
}

func (sh *shell) resolve(arg string) (int, error) {
	if strings.HasPrefix(arg, "$") {
		v, ok := sh.vars[strings.TrimPrefix(arg, "$")]
		if !ok {
			return 0, errors.Errorf("undefined variable %s", arg)
		}
		return v, nil
	}
	return strconv.Atoi(arg)
}

func (sh *shell) dispatch(verb string, args []string) (int, error) {
	numeric := args
	if verb == "write" && len(args) > 0 {
		// Everything after write's handle is literal text.
		numeric = args[:1]
	}
	ints := make([]int, len(numeric))
	for i, a := range numeric {
		v, err := sh.resolve(a)
		if err != nil {
			return 0, err
		}
		ints[i] = v
	}

	switch verb {
	case "pipe":
		r, w := sh.tbl.Pipe()
		sh.vars["pipe.write"] = w
		return r, nil
	case "socket":
		return sh.tbl.Socket(ints[0]), nil
	case "listen":
		return sh.tbl.Listen(ints[0]), nil
	case "accept":
		return sh.tbl.Accept(ints[0]), nil
	case "connect":
		timeout := 0
		if len(ints) > 2 {
			timeout = ints[2]
		}
		return sh.tbl.Connect(ints[0], ints[1], timeout), nil
	case "close":
		return sh.tbl.Close(ints[0]), nil
	case "shutdown":
		return sh.tbl.Shutdown(ints[0], ints[1]), nil
	case "write":
		return sh.tbl.Write(ints[0], []byte(strings.Join(args[1:], " "))), nil
	case "read":
		size := 256
		if len(ints) > 1 && ints[1] > 0 {
			size = ints[1]
		}
		buf := make([]byte, size)
		n := sh.tbl.Read(ints[0], buf)
		if n > 0 {
			fmt.Println(string(buf[:n]))
		}
		return n, nil
	default:
		return 0, errors.Errorf("unknown verb %q", verb)
	}
}
