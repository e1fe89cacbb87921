// Package cli defines the pcmanager command tree. Commands parse flags and
// arguments and delegate to api.Backend; building the backend is left to
// the Opener passed to Execute.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/QingMing-Bot/pc-manager/internal/api"
	"github.com/QingMing-Bot/pc-manager/internal/repository"
	"github.com/QingMing-Bot/pc-manager/pkg/config"
)

// App is what the commands run against.
type App struct {
	Backend  *api.Backend
	History  repository.HistoryStore
	Gatherer prometheus.Gatherer
	Config   *config.Config
	Logger   *zap.Logger
}

// Opener builds the App for one invocation. The returned func releases it.
type Opener func(ctx context.Context, configPath string) (*App, func(), error)

type state struct {
	open       Opener
	configPath string
	app        *App
	release    func()
}

// Execute runs one command line and releases the App afterwards, whether or
// not the command failed.
func Execute(ctx context.Context, open Opener, args []string) error {
	s := &state{open: open}
	defer s.close()
	root := newRoot(s)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRoot(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "pcmanager",
		Short:        "Power and status control for a fleet of machines",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			app, release, err := s.open(cmd.Context(), s.configPath)
			if err != nil {
				return fmt.Errorf("startup: %w", err)
			}
			s.app, s.release = app, release
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&s.configPath, "config", "c", "", "Path to configuration file (default $PCM_CONFIG)")

	cmd.AddCommand(statusCmd(s))
	cmd.AddCommand(ensureCmd(s))
	cmd.AddCommand(runCmd(s))
	cmd.AddCommand(execCmd(s))
	cmd.AddCommand(batchCmd(s))
	cmd.AddCommand(opsCmd(s))
	cmd.AddCommand(historyCmd(s))
	cmd.AddCommand(importCmd(s))
	cmd.AddCommand(exportCmd(s))
	cmd.AddCommand(reportCmd(s))
	cmd.AddCommand(platformCmd(s))
	cmd.AddCommand(serveMetricsCmd(s))
	return cmd
}

func (s *state) close() {
	if s.release != nil {
		s.release()
		s.release = nil
	}
}

// targets resolves machine names, or every machine with all.
func (s *state) targets(ctx context.Context, names []string, all bool) ([]int64, error) {
	switch {
	case all && len(names) > 0:
		return nil, errors.New("--all cannot be combined with machine names")
	case all:
		return s.app.Backend.AllMachineIDs(ctx)
	case len(names) == 0:
		return nil, errors.New("no machines given (name them or use --all)")
	}
	return s.app.Backend.ResolveMachines(ctx, names)
}

func (s *state) machineID(ctx context.Context, name string) (int64, error) {
	ids, err := s.app.Backend.ResolveMachines(ctx, []string{name})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func atoi(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", name, v)
	}
	return n, nil
}
