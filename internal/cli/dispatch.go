package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

type batchFlags struct {
	all      bool
	parallel int
	timeout  int
}

func (f *batchFlags) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.all, "all", false, "Target every machine")
	cmd.Flags().IntVarP(&f.parallel, "parallel", "p", 0, "Machines handled at once (0 uses max_parallel)")
	cmd.Flags().IntVarP(&f.timeout, "timeout", "t", 0, "Per-machine timeout in seconds (0 uses action_timeout)")
}

func statusCmd(s *state) *cobra.Command {
	var f batchFlags
	var cached bool
	cmd := &cobra.Command{
		Use:   "status [machine...]",
		Short: "Read machine status",
		Long:  "Reads the live status of each machine. With --cached, prints the last ensured status instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cached {
				list, err := s.app.Backend.ListMachines(ctx)
				if err != nil {
					return err
				}
				return printCached(cmd.OutOrStdout(), list, args)
			}
			ids, err := s.targets(ctx, args, f.all)
			if err != nil {
				return err
			}
			res, err := s.app.Backend.Execute(ctx, domain.BatchTask{
				Action: domain.OpGetStatus, MachineIDs: ids, Parallel: f.parallel, Timeout: f.timeout,
			})
			printResults(cmd.OutOrStdout(), res)
			return err
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVar(&cached, "cached", false, "Print the stored status without contacting machines")
	return cmd
}

func ensureCmd(s *state) *cobra.Command {
	var f batchFlags
	cmd := &cobra.Command{
		Use:   "ensure <POWER_ON|POWER_OFF|SUSPENDED> [machine...]",
		Short: "Drive machines to a status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParseStatus(args[0])
			if err != nil {
				return err
			}
			ids, err := s.targets(cmd.Context(), args[1:], f.all)
			if err != nil {
				return err
			}
			return s.stream(cmd, domain.BatchTask{
				Action: domain.OpEnsureStatus, Args: []string{target.Key()},
				MachineIDs: ids, Parallel: f.parallel, Timeout: f.timeout,
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func runCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <machine> <operation> [argument]",
		Short: "Run one operation on one machine",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := s.machineID(ctx, args[0])
			if err != nil {
				return err
			}
			r, err := s.app.Backend.ExecuteAction(ctx, id, args[1], args[2:])
			printResults(cmd.OutOrStdout(), []domain.BatchResult{r})
			return err
		},
	}
	return cmd
}

func execCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <machine> <command>",
		Short: "Run a shell command and print its output",
		Long:  "Runs the command on the first reachable platform and waits for it, unlike execute_command which returns once the command is started.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := s.machineID(ctx, args[0])
			if err != nil {
				return err
			}
			r, err := s.app.Backend.Capture(ctx, id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), r.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), r.Stderr)
			if r.ExitCode != 0 {
				return fmt.Errorf("%s: exit status %d", r.Provider, r.ExitCode)
			}
			return nil
		},
	}
	return cmd
}

func batchCmd(s *state) *cobra.Command {
	var f batchFlags
	var arg string
	cmd := &cobra.Command{
		Use:   "batch <operation> [machine...]",
		Short: "Run one operation on many machines",
		Long:  "Runs the operation concurrently and prints each result as it finishes. Every failure is reported; the command fails if any machine failed.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := s.targets(cmd.Context(), args[1:], f.all)
			if err != nil {
				return err
			}
			task := domain.BatchTask{Action: args[0], MachineIDs: ids, Parallel: f.parallel, Timeout: f.timeout}
			if cmd.Flags().Changed("arg") {
				task.Args = []string{arg}
			}
			return s.stream(cmd, task)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVarP(&arg, "arg", "a", "", "Operation argument")
	return cmd
}

func (s *state) stream(cmd *cobra.Command, task domain.BatchTask) error {
	w := cmd.OutOrStdout()
	return s.app.Backend.ExecuteStream(cmd.Context(), task, func(r domain.BatchResult) {
		fmt.Fprintln(w, resultLine(r))
	})
}

func opsCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops [machine]",
		Short: "List operations",
		Long:  "Without a machine, lists stored custom operations. With one, lists what the machine can dispatch, per provider in dispatch order.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			if len(args) == 0 {
				ops, err := s.app.Backend.CustomOperations(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "NAME\tSTEPS\tDESCRIPTION")
				for _, op := range ops {
					steps := make([]string, len(op.Steps))
					for i, st := range op.Steps {
						steps[i] = st.Op
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", op.Name, strings.Join(steps, ","), op.Description)
				}
				return nil
			}
			id, err := s.machineID(ctx, args[0])
			if err != nil {
				return err
			}
			byProvider, err := s.app.Backend.Operations(ctx, id)
			if err != nil {
				return err
			}
			providers := make([]string, 0, len(byProvider))
			for p := range byProvider {
				providers = append(providers, p)
			}
			sort.Strings(providers)
			fmt.Fprintln(w, "PROVIDER\tOPERATIONS")
			for _, p := range providers {
				fmt.Fprintf(w, "%s\t%s\n", p, strings.Join(byProvider[p], ","))
			}
			return nil
		},
	}
	return cmd
}

func historyCmd(s *state) *cobra.Command {
	var limit int
	var machine, action string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := s.app.Backend.RecentHistoryFiltered(cmd.Context(), limit, machine, action)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "STARTED\tMACHINE\tACTION\tARGUMENT\tPROVIDER\tSTATUS\tERROR")
			for _, h := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", h.StartedAt.Local().Format(time.DateTime),
					h.MachineName, h.Action, h.Argument, h.Provider, h.Status, h.ErrorText)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Entries to show")
	cmd.Flags().StringVarP(&machine, "machine", "m", "", "Only this machine")
	cmd.Flags().StringVar(&action, "action", "", "Only actions containing this text")
	return cmd
}

func platformCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Edit software platforms",
	}
	move := &cobra.Command{
		Use:   "move <machine> <from> <to>",
		Short: "Change the dispatch order of a machine's platforms",
		Long:  "Moves the platform at position <from> to position <to>. Positions start at 0; lower positions are tried first.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := s.machineID(ctx, args[0])
			if err != nil {
				return err
			}
			from, err := atoi("from", args[1])
			if err != nil {
				return err
			}
			to, err := atoi("to", args[2])
			if err != nil {
				return err
			}
			return s.app.Backend.MovePlatform(ctx, id, from, to)
		},
	}
	cmd.AddCommand(move)
	return cmd
}

func printResults(out io.Writer, rs []domain.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "MACHINE\tPROVIDER\tSTATUS\tDURATION\tERROR")
	for _, r := range rs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", label(r), dash(r.Provider), statusText(r), r.Duration.Round(time.Millisecond), errText(r.Err))
	}
}

func resultLine(r domain.BatchResult) string {
	line := fmt.Sprintf("%-20s %-24s %-10s %s", label(r), dash(r.Provider), statusText(r), r.Duration.Round(time.Millisecond))
	if r.Err != nil {
		line += "  error: " + r.Err.Error()
	}
	for _, l := range strings.Split(strings.TrimRight(r.Stdout, "\n"), "\n") {
		if l != "" {
			line += "\n    " + l
		}
	}
	return line
}

func printCached(out io.Writer, list []domain.Machine, names []string) error {
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "MACHINE\tPLACE\tSTATUS\tSINCE")
	seen := 0
	for _, m := range list {
		if len(want) > 0 && !want[m.Name] {
			continue
		}
		seen++
		since := "-"
		if !m.LastStatusTime.IsZero() {
			since = m.LastStatusTime.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Name, dash(m.Place), m.LastStatus.Key(), since)
	}
	if len(want) > 0 && seen < len(want) {
		return fmt.Errorf("%d of %d machines not found", len(want)-seen, len(want))
	}
	return nil
}

func label(r domain.BatchResult) string {
	if r.MachineName != "" {
		return r.MachineName
	}
	return fmt.Sprintf("#%d", r.MachineID)
}

func statusText(r domain.BatchResult) string {
	if !r.HasStatus {
		return "-"
	}
	return r.Status.Key()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
