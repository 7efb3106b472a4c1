package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/primu-emu/primu/internal/console"
	glog "github.com/primu-emu/primu/internal/log"
	"github.com/primu-emu/primu/internal/runtime"
	"github.com/primu-emu/primu/internal/session"
	"github.com/primu-emu/primu/internal/svc"
	"github.com/primu-emu/primu/internal/trace"

	_ "github.com/primu-emu/primu/internal/syscalls/core"
	_ "github.com/primu-emu/primu/internal/syscalls/device"
	_ "github.com/primu-emu/primu/internal/syscalls/event"
	_ "github.com/primu-emu/primu/internal/syscalls/fileio"
	_ "github.com/primu-emu/primu/internal/syscalls/heap"
	_ "github.com/primu-emu/primu/internal/syscalls/ini"
	_ "github.com/primu-emu/primu/internal/syscalls/lcd"
	_ "github.com/primu-emu/primu/internal/syscalls/thread"
)

var (
	verbose    bool
	quiet      bool
	headless   bool
	runConsole bool
	systemDir  string
	dataDir    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "primu <path-to-executable>",
		Short: "Run Prime OS ARM/Thumb executables under emulation",
		Long: `primu loads an ARM (ARM/Thumb interworking) PE32 executable built for
Prime OS and runs it under a host CPU emulator, backing its heap, scheduler,
and SVC surface with this repository's implementations.

Examples:
  primu game.exe                       # run with the terminal framebuffer front end
  primu game.exe --headless            # run without a front end
  primu game.exe -v --system-dir sys/  # verbose logging, custom import search dir`,
		Args:                  cobra.ExactArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  run,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (errors only)")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "run without the terminal front end")
	rootCmd.Flags().BoolVar(&runConsole, "console", false, "drop into the scripting console instead of running")
	rootCmd.Flags().StringVar(&systemDir, "system-dir", "prime_data/A/WINDOW/SYSTEM", "import resolution search directory")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "prime_data", "sandboxed host root for guest file I/O")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := args[0]

	glog.Init(verbose)
	base := glog.L
	if quiet {
		base = glog.NewNop()
	}

	sess := session.New(path, base)
	sess.Log.Info("starting run", glog.Fn(path))

	if verbose {
		sess.Log.SetOnTrace(func(pc uint64, category, name, detail string) {
			e := trace.NewEvent(pc, category, name, detail)
			trace.DefaultEnricher(e)
			fmt.Printf("%s %s %s %s %s\n", e.Timestamp.Format("15:04:05.000"), glog.Hex(pc), strings.Join(e.Tags.Strings(), " "), name, detail)
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read executable: %w", err)
	}

	m, err := runtime.New(systemDir, dataDir, svc.DefaultTable, sess.Log)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	if err := m.LoadExecutable(path, data); err != nil {
		return fmt.Errorf("load executable: %w", err)
	}

	if runConsole {
		return runConsoleREPL(m)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if headless {
		err := m.Run(ctx)
		sess.Log.Info("run finished", glog.Fn(path))
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	}

	return runWithFrontend(ctx, m, sess)
}

func runWithFrontend(ctx context.Context, m *runtime.Machine, sess *session.RunSession) error {
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- m.Run(ctx)
	}()

	model := newRootModel(m, sess)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseAllMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("front end: %w", err)
	}

	err := <-runErrCh
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// runConsoleREPL drops into the embedded scripting console bound to the
// machine's memory and scheduler for live inspection, reading script
// expressions from stdin one line at a time.
func runConsoleREPL(m *runtime.Machine) error {
	c := console.New(m.Memory, m.Scheduler)
	fmt.Println("primu console — Ctrl-D to exit")
	buf := make([]byte, 4096)
	for {
		fmt.Print("> ")
		n, err := os.Stdin.Read(buf)
		if n == 0 || err != nil {
			fmt.Println()
			return nil
		}
		out, err := c.Eval(string(buf[:n]))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(out)
	}
}
