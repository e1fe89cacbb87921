package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/QingMing-Bot/pc-manager/internal/api"
	"github.com/QingMing-Bot/pc-manager/pkg/importexport"
)

func importCmd(s *state) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import an inventory (yaml, json) or a machine list (csv)",
		Long: `Imports credentials, custom operations and machines. Entities are matched by
name: existing ones are replaced, new ones created. A credential exported
without its secret keeps the stored secret. Use "-" to read stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			f, err := formatFor(format, args[0])
			if err != nil {
				return err
			}
			var sum api.ImportSummary
			if f == importexport.FormatCSV {
				sum, err = s.app.Backend.ImportMachinesCSV(cmd.Context(), data)
			} else {
				var inv importexport.Inventory
				if inv, err = importexport.ParseInventory(data, f); err != nil {
					return err
				}
				sum, err = s.app.Backend.Import(cmd.Context(), inv)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d credentials, %d custom operations, %d machines\n",
				sum.Credentials, sum.Operations, sum.Machines)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "yaml, json or csv (default from the file extension)")
	return cmd
}

func exportCmd(s *state) *cobra.Command {
	var format string
	var secrets bool
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export the inventory",
		Long:  "Writes every credential, custom operation and machine. Passwords and keys are left out unless --secrets is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			f, err := formatFor(format, path)
			if err != nil {
				return err
			}
			if f == importexport.FormatCSV {
				return fmt.Errorf("inventory cannot be exported as csv (use report)")
			}
			inv, err := s.app.Backend.Export(cmd.Context(), !secrets)
			if err != nil {
				return err
			}
			out, err := importexport.SerializeInventory(inv, f)
			if err != nil {
				return err
			}
			return writeOutput(cmd, path, out)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "yaml or json (default from the file extension)")
	cmd.Flags().BoolVar(&secrets, "secrets", false, "Include passwords and private keys")
	return cmd
}

func reportCmd(s *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [file]",
		Short: "Write the stored statuses as CSV",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := s.app.Backend.StatusReport(cmd.Context())
			if err != nil {
				return err
			}
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			return writeOutput(cmd, path, []byte(out))
		},
	}
	return cmd
}

func formatFor(flag, path string) (importexport.Format, error) {
	if flag != "" {
		return importexport.ParseFormat(flag)
	}
	if path == "-" {
		return importexport.FormatYAML, nil
	}
	return importexport.FormatOf(path), nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	// 导出可能含密钥
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", path)
	return nil
}
