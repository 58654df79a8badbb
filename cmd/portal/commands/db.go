package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/portal/db"
	"github.com/teranos/portal/errors"
	"github.com/teranos/portal/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage portal database",
	Long: sym.DB + ` db - Manage portal database operations

Examples:
  portal db migrate               # Apply pending schema migrations
  portal db stats                 # Show row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display row counts for jobs, run records, slot claims and execution history",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (default from config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := resolveDatabasePath(dbPathFlag)
	if err != nil {
		return err
	}
	database, err := db.Open(path, nil)
	if err != nil {
		return err
	}
	defer database.Close()

	pending, err := db.Pending(database)
	if err != nil {
		return errors.Wrap(err, "failed to list pending migrations")
	}
	if len(pending) == 0 {
		pterm.Success.Println("Database schema is up to date")
		return nil
	}

	if err := db.Migrate(database, nil); err != nil {
		return err
	}
	for _, m := range pending {
		pterm.Success.Printf("%s %s\n", m.Version, m.Name)
	}
	pterm.Info.Printf("Applied %d migration(s) to %s\n", len(pending), path)
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	path, err := resolveDatabasePath(dbPathFlag)
	if err != nil {
		return err
	}

	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := db.Stats(database)
	if err != nil {
		return errors.Wrap(err, "failed to read database statistics")
	}

	pterm.DefaultSection.Printf("%s Database Statistics", sym.DB)
	pterm.Info.Printf("Database Path: %s\n", path)

	data := pterm.TableData{{"Table", "Rows"}}
	for _, s := range stats {
		data = append(data, []string{s.Table, fmt.Sprintf("%d", s.Rows)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
