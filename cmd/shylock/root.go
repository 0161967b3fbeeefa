package main

import (
	"github.com/gandaldf/shylock"
	"github.com/gandaldf/shylock/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app holds the state shared by the subcommands of one invocation.
type app struct {
	cfgFile string
	driver  string
	dsn     string
	dialect string
	verbose bool

	cfg *config.Config
	log zerolog.Logger
}

// repository returns the repository of the loaded configuration.
func (a *app) repository() *shylock.Repository {
	return a.cfg.Repository(a.log)
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "shylock",
		Short: "Run SQL statements with named parameters",
		Long: `shylock runs one SQL statement or stored procedure against a database/sql driver.
Placeholders are written :name or @name and bound from -p name=value flags.

The database is configured by --config (YAML), SHYLOCK_* environment variables
and the --driver, --dsn and --dialect flags, in increasing priority.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile, map[string]string{
				"database.driver":  a.driver,
				"database.dsn":     a.dsn,
				"database.dialect": a.dialect,
			})
			if err != nil {
				return err
			}
			if a.verbose {
				cfg.Log.Level = "debug"
			}
			log, err := cfg.Log.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.driver, "driver", "", "database/sql driver name (postgres, pgx, mysql, sqlite, sqlserver)")
	flags.StringVar(&a.dsn, "dsn", "", "connection string passed to the driver")
	flags.StringVar(&a.dialect, "dialect", "", "force the SQL dialect (auto, postgres, mysql, sqlite, sqlserver)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log every statement")

	rootCmd.AddCommand(newQueryCmd(a), newExecCmd(a))
	return rootCmd
}
