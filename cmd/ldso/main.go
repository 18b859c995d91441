// Command ldso loads and runs dynamically linked ELF programs the way the
// system dynamic linker does, or inspects them without running.
package main

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/zboralski/rtld/internal/audit"
	"github.com/zboralski/rtld/internal/config"
	"github.com/zboralski/rtld/internal/elfobj"
	"github.com/zboralski/rtld/internal/loader"
	glog "github.com/zboralski/rtld/internal/log"
	"github.com/zboralski/rtld/internal/machine"
	_ "github.com/zboralski/rtld/internal/stubs/all"
	"github.com/zboralski/rtld/internal/trace"
)

const version = "0.9.0"

type options struct {
	list         bool
	verify       bool
	info         bool
	debug        bool
	inhibitCache bool
	libraryPath  string
	inhibitRPath string
	audit        string
	preload      string
	argv0        string
	config       string
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	var opts options
	root := &cobra.Command{
		Use:   "ldso [options] PROGRAM [ARGS...]",
		Short: "Load and run a dynamically linked program",
		Long: `ldso maps PROGRAM and the shared objects it needs into an emulated address
space, relocates them, runs their initialisers and calls the program's entry
point, exiting with its status.

Settings are resolved from built-in defaults, the YAML file named by --config
or LDSO_CONFIG, the LD_* environment variables and finally the flags below.

Examples:
  ldso --list /bin/app             # show dependencies like ldd
  ldso --verify /bin/app lib.so    # check that objects can be loaded
  ldso --info /bin/app             # maps, TLS and IFUNC resolvers
  ldso --preload libhook.so /bin/app arg1`,
		Version:               version,
		Args:                  cobra.MinimumNArgs(1),
		DisableFlagsInUseLine: true,
		SilenceErrors:         true,
		SilenceUsage:          true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, &opts, args)
		},
	}
	root.Flags().SetInterspersed(false)
	f := root.Flags()
	f.BoolVar(&opts.list, "list", false, "list all dependencies and how they are resolved")
	f.BoolVar(&opts.verify, "verify", false, "verify that the given objects are dynamically linked and loadable")
	f.BoolVar(&opts.info, "info", false, "show load addresses, TLS modules and IFUNC resolvers")
	f.BoolVar(&opts.debug, "debug", false, "log loader activity and print the audit trace")
	f.BoolVar(&opts.inhibitCache, "inhibit-cache", false, "do not use "+config.Default().CacheFile)
	f.StringVar(&opts.libraryPath, "library-path", "", "use `PATH` instead of LD_LIBRARY_PATH")
	f.StringVar(&opts.inhibitRPath, "inhibit-rpath", "", "ignore RUNPATH and RPATH of the objects in `LIST`")
	f.StringVar(&opts.audit, "audit", "", "use the objects named in `LIST` as auditors")
	f.StringVar(&opts.preload, "preload", "", "preload the objects named in `LIST`")
	f.StringVar(&opts.argv0, "argv0", "", "set argv[0] to `STRING` before running")
	f.StringVar(&opts.config, "config", "", "read settings from `FILE`")

	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(stderr, "ldso: %v\n", exit.err)
		}
		return exit.code
	}
	// Flag and argument errors.
	fmt.Fprintf(stderr, "ldso: %v\n", err)
	fmt.Fprint(stderr, root.UsageString())
	return 1
}

// resolveConfig layers the flags over the file and environment settings.
func resolveConfig(opts *options) (config.Config, error) {
	cfg, err := config.Resolve(afero.NewOsFs(), opts.config, config.ProcessEnv)
	if err != nil {
		return cfg, err
	}
	if opts.inhibitCache {
		cfg.InhibitCache = true
	}
	if opts.libraryPath != "" {
		cfg.LibraryPath = fields(opts.libraryPath, ":;")
	}
	if opts.inhibitRPath != "" {
		cfg.InhibitRPath = fields(opts.inhibitRPath, ":")
	}
	if opts.audit != "" {
		cfg.Audit = append(cfg.Audit, fields(opts.audit, ":")...)
	}
	if opts.preload != "" {
		cfg.Preload = append(cfg.Preload, fields(opts.preload, " \t\n:")...)
	}
	if opts.debug {
		cfg.Debug = true
	}
	if cfg.Secure {
		cfg.Restrict()
	}
	return cfg, nil
}

func fields(s, seps string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) })
}

// session is one loader context plus what the command wired into it.
type session struct {
	ctx *loader.Context
	rec *trace.Recorder
}

func (s *session) Close() error { return s.ctx.Machine().Close() }

// newSession creates a loader for program, picking the machine from its
// ELF header.
func newSession(cfg config.Config, program string) (*session, error) {
	log := glog.Default()
	arch := elf.EM_X86_64
	if program != "" {
		if obj, err := elfobj.Open(afero.NewOsFs(), program); err == nil && elfobj.Supported(obj.Machine) {
			arch = obj.Machine
		}
	}
	mopts := []machine.Option{machine.WithArch(arch), machine.WithLogger(log)}
	if b := backend(); b != nil {
		mopts = append(mopts, machine.WithBackend(b))
	}
	s := &session{}
	lopts := []loader.Option{loader.WithMachine(machine.New(mopts...)), loader.WithLogger(log)}
	if cfg.Debug {
		s.rec = trace.NewRecorder(nil)
		lopts = append(lopts, loader.WithAuditor("trace", audit.NewTracer(s.rec)))
	}
	c, err := loader.New(cfg, lopts...)
	if err != nil {
		return nil, err
	}
	s.ctx = c
	return s, nil
}

func run(ctx context.Context, cmd *cobra.Command, opts *options, args []string) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	glog.Init(cfg.Debug)

	if opts.verify {
		return verify(cfg, args)
	}
	s, err := newSession(cfg, args[0])
	if err != nil {
		return &exitError{code: 127, err: err}
	}
	defer s.Close()

	out := newOutputWriter(cmd.OutOrStdout())
	defer out.Close()
	defer s.printTrace(out)

	switch {
	case opts.list:
		return list(ctx, s, out, args[0])
	case opts.info:
		return info(ctx, s, out, args[0])
	}
	argv0 := opts.argv0
	if argv0 == "" {
		argv0 = args[0]
	}
	return execProgram(ctx, s, args[0], append([]string{argv0}, args[1:]...))
}
