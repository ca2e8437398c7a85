package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/checkapp/checkapp-sync-server/database"
	"github.com/checkapp/checkapp-sync-server/internal/config"
	"github.com/checkapp/checkapp-sync-server/internal/db"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Database migration tool for the shared public schema. Use with 'up', 'down' or 'version'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")

	down := &cobra.Command{
		Use:   "down",
		Short: "Revert database migrations",
		Long: `Revert database migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  checkapp-sync migrate down --config config.yaml --num-steps 1 --yes`,
		RunE: runMigrateDown,
	}
	down.Flags().UintP("num-steps", "n", 1, "Number of steps to revert")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		RunE:  runMigrateUp,
	})
	cmd.AddCommand(down)
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current migration version",
		RunE:  runMigrateVersion,
	})
	return cmd
}

// migrationConnString returns the connection string of the migration user.
// With RDS IAM authentication a fresh token is embedded as the password.
func migrationConnString(ctx context.Context, cfg *config.DatabaseConfig) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("database configuration is required")
	}
	user := cfg.GetMigrationUser()
	connString, err := cfg.GetConnectionString(user)
	if err != nil {
		return "", fmt.Errorf("failed to build connection string: %w", err)
	}
	if cfg.DynamicAuth == nil || cfg.DynamicAuth.AWSRDSIAM == nil {
		return connString, nil
	}

	token, err := db.NewRDSIAMToken(ctx, cfg, user)
	if err != nil {
		return "", fmt.Errorf("failed to obtain AWS RDS IAM token: %w", err)
	}
	u, err := url.Parse(connString)
	if err != nil {
		return "", fmt.Errorf("failed to parse connection string: %w", err)
	}
	u.User = url.UserPassword(user, token)
	return u.String(), nil
}

func applyMigrations(ctx context.Context, cfg *config.DatabaseConfig) error {
	connString, err := migrationConnString(ctx, cfg)
	if err != nil {
		return err
	}

	slog.Info("Applying database migrations", "host", cfg.Host, "database", cfg.Database, "user", cfg.GetMigrationUser())
	version, err := database.MigrateUp(connString)
	if err != nil {
		return err
	}
	slog.Info("Migrations applied successfully", "version", version)
	return nil
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	prompt := fmt.Sprintf("About to apply migrations to %s:%d/%s as %s. Continue?",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Database, cfg.Database.GetMigrationUser())
	if ok, err := confirmed(cmd, prompt); err != nil || !ok {
		return err
	}

	return applyMigrations(ctx, cfg.Database)
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	if numSteps == 0 || numSteps > math.MaxInt32 {
		return fmt.Errorf("num-steps must be between 1 and %d", math.MaxInt32)
	}

	prompt := fmt.Sprintf("WARNING: This will migrate down %d step(s) and may result in data loss. Continue?", numSteps)
	if ok, err := confirmed(cmd, prompt); err != nil || !ok {
		return err
	}

	connString, err := migrationConnString(ctx, cfg.Database)
	if err != nil {
		return err
	}

	slog.Info("Migrating down", "steps", numSteps)
	if err := database.MigrateDown(connString, int(numSteps)); err != nil { // #nosec G115 -- bounded above
		return err
	}
	return printMigrationVersion(cmd, connString)
}

func runMigrateVersion(cmd *cobra.Command, _ []string) error {
	ctx, cancel := withTimeout(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	connString, err := migrationConnString(ctx, cfg.Database)
	if err != nil {
		return err
	}
	return printMigrationVersion(cmd, connString)
}

func printMigrationVersion(cmd *cobra.Command, connString string) error {
	m, err := database.NewMigrator(connString)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
		return err
	case err != nil:
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		slog.Warn("Database is in a dirty state, manual intervention may be required", "version", version)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d\n", version)
	return err
}

// confirmed asks prompt on the command input unless --yes was given.
func confirmed(cmd *cobra.Command, prompt string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "%s (yes/no): ", prompt)
	response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && response == "" {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(response)) {
	case "yes", "y":
		return true, nil
	default:
		slog.Info("Operation cancelled by user")
		return false, nil
	}
}
