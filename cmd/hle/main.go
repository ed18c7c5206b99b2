package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/hle"
	"github.com/wippyai/hle/cpu"
	"github.com/wippyai/hle/dnssd"
	"github.com/wippyai/hle/runtime"
)

var (
	verbose     bool
	interactive bool
	memoryPages uint32
	stubPolicy  string
	browserName string
)

// styles are the lipgloss styles shared by the plain and interactive
// output. Without a terminal every style renders text unchanged.
type styles struct {
	title  lipgloss.Style
	fn     lipgloss.Style
	typ    lipgloss.Style
	sel    lipgloss.Style
	result lipgloss.Style
	err    lipgloss.Style
	help   lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain, plain}
	}
	return styles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1),
		fn:     lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98")),
		typ:    lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB")),
		sel:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4")),
		result: lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90")),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		help:   lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// newEmulator builds an Emulator from the persistent flags. The guest CPU
// is a cpu.Table so commands can define guest functions.
func newEmulator(ctx context.Context) (*hle.Emulator, *cpu.Table, error) {
	policy, err := runtime.ParseStubPolicy(stubPolicy)
	if err != nil {
		return nil, nil, err
	}

	log := zap.NewNop()
	if verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return nil, nil, err
		}
	}

	table := cpu.NewTable()
	opts := []hle.Option{
		hle.WithCore(table),
		hle.WithLogger(log),
		hle.WithMemoryPages(memoryPages),
		hle.WithStubPolicy(policy),
	}
	switch browserName {
	case "local", "":
	case "native":
		native, err := dnssd.OpenNative()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, hle.WithBrowser(native))
	default:
		return nil, nil, fmt.Errorf("unknown browser %q (want local or native)", browserName)
	}

	emu, err := hle.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	return emu, table, nil
}

var rootCmd = &cobra.Command{
	Use:          "hle",
	Short:        "Inspect and exercise the host exports of the emulator",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !interactive {
			return cmd.Help()
		}
		if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(cmd.Context())
	},
}

var exportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List host exports with their WIT signatures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		emu, _, err := newEmulator(ctx)
		if err != nil {
			return err
		}
		defer emu.Close(ctx)

		st := newStyles(isTerminal(os.Stdout))
		out := cmd.OutOrStdout()
		for _, x := range listExports(emu.Env) {
			note := ""
			if x.indirect {
				note = ", indirect result"
			}
			fmt.Fprintf(out, "%s  %s\n", st.fn.Render(x.signature), st.help.Render(fmt.Sprintf("(%d slots%s)", x.slots, note)))
		}
		return nil
	},
}

var callCmd = &cobra.Command{
	Use:   "call <symbol> [args...]",
	Short: "Call one export through the registry and print its result",
	Long: "Arguments are parsed by the export's parameter types. Records and " +
		"tuples take comma-separated fields; char pointers accept a string, " +
		"which is copied into guest memory.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		emu, _, err := newEmulator(ctx)
		if err != nil {
			return err
		}
		defer emu.Close(ctx)

		res, err := callExport(emu, args[0], args[1:])
		if err != nil {
			return err
		}
		st := newStyles(isTerminal(os.Stdout))
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", st.result.Render(res.value), st.help.Render(formatSlots(res.slots)))
		return nil
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run guest threads, a semaphore and a service browse through the run loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		emu, table, err := newEmulator(ctx)
		if err != nil {
			return err
		}
		defer emu.Close(ctx)
		return runDemo(ctx, emu, table, cmd.OutOrStdout(), newStyles(isTerminal(os.Stdout)), defaultDemoConfig())
	},
}

func formatSlots(w []uint32) string {
	parts := make([]string, len(w))
	for i, s := range w {
		parts[i] = fmt.Sprintf("%#x", s)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log at debug level to stderr")
	flags.Uint32Var(&memoryPages, "memory-pages", 16, "Initial guest memory in 64KiB pages")
	flags.StringVar(&stubPolicy, "stub-policy", "abort", "Unresolved symbols: abort or zero")
	flags.StringVar(&browserName, "browser", "local", "Service discovery backend: local or native")
	rootCmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Browse and call exports in a TUI")

	rootCmd.AddCommand(exportsCmd, callCmd, demoCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
