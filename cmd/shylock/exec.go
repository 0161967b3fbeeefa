package main

import (
	"github.com/gandaldf/shylock"
	"github.com/spf13/cobra"
)

func newExecCmd(a *app) *cobra.Command {
	var (
		params []string
		proc   bool
	)

	cmd := &cobra.Command{
		Use:   "exec [sql]",
		Short: "Run a write statement",
		Long: `Run an insert, update, delete or write procedure. The parameters form the
entity the statement is bound from, so at least one -p is required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			return shylock.ExecuteContext(cmd.Context(), a.repository(), p, args[0], shylock.ExecOptions{
				StoredProcedure: proc,
			})
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter as name=value, value parsed as YAML (repeatable)")
	cmd.Flags().BoolVar(&proc, "proc", false, "treat the argument as a stored procedure name")
	return cmd
}
