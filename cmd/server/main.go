package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:          "ambulance-dispatch",
		Short:        "Ambulance dispatch API",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(serve, newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default command).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			demo, _ := cmd.Flags().GetBool("demo-fleet")
			return serve(cmd.Context(), demo)
		},
	}
	cmd.Flags().Bool("demo-fleet", false, "seed a few units into the in-memory store")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return migrateOnly(dir)
		},
	}
	cmd.Flags().String("dir", "", "directory containing the migration files (defaults to MIGRATIONS_DIR)")
	return cmd
}
