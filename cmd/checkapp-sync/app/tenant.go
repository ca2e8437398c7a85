package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/checkapp/checkapp-sync-server/database"
	"github.com/checkapp/checkapp-sync-server/internal/db"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant schemas",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the registered tenant schemas",
		RunE:  runTenantList,
	}
	list.Flags().String("format", "", "Output format (json)")

	cmd.AddCommand(&cobra.Command{
		Use:   "provision <schema>...",
		Short: "Create the synchronised tables of one or more tenant schemas",
		Long: `Create the tenant schema with every synchronised table and register it.
Provisioning an existing tenant leaves its data untouched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTenantProvision,
	})
	cmd.AddCommand(list)
	return cmd
}

func runTenantProvision(cmd *cobra.Command, args []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	for _, schema := range args {
		if err := database.ValidateSchemaName(schema); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	conn, err := db.Connect(ctx, cfg.Database, cfg.Database.GetMigrationUser())
	if err != nil {
		return err
	}
	defer closeConn(ctx, conn.Close)

	for _, schema := range args {
		if err := database.ProvisionTenant(ctx, conn, schema); err != nil {
			return fmt.Errorf("failed to provision tenant %s: %w", schema, err)
		}
		slog.Info("Tenant provisioned", "schema", schema)
	}
	return nil
}

func runTenantList(cmd *cobra.Command, _ []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	conn, err := db.Connect(ctx, cfg.Database, cfg.Database.User)
	if err != nil {
		return err
	}
	defer closeConn(ctx, conn.Close)

	tenants, err := database.ListTenants(ctx, conn)
	if err != nil {
		return err
	}

	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return fmt.Errorf("failed to get format flag: %w", err)
	}
	if format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(tenants)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Schema")
	for _, t := range tenants {
		if err := table.Append([]string{t}); err != nil {
			return err
		}
	}
	return table.Render()
}

func closeConn(ctx context.Context, closeFn func(context.Context) error) {
	if err := closeFn(ctx); err != nil {
		slog.Error("Error closing database connection", "error", err)
	}
}
