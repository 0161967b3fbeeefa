package main

import (
	"github.com/gandaldf/shylock"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newQueryCmd(a *app) *cobra.Command {
	var (
		params []string
		proc   bool
	)

	cmd := &cobra.Command{
		Use:   "query [sql]",
		Short: "Run a query and print the rows as YAML",
		Long: `Run a query and print every returned row as a YAML mapping of column to value.
With --proc the argument is a stored procedure name and every parameter is passed to it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}

			rows, err := shylock.QueryContext[map[string]any](cmd.Context(), a.repository(), args[0], shylock.QueryOptions{
				Parameters:      p,
				StoredProcedure: proc,
			})
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(rows); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter as name=value, value parsed as YAML (repeatable)")
	cmd.Flags().BoolVar(&proc, "proc", false, "treat the argument as a stored procedure name")
	return cmd
}
