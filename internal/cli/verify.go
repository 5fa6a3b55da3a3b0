package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aaron031291/grace-memory/internal/audit"
	"github.com/aaron031291/grace-memory/internal/storage/sqlite"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit chain integrity",
	Long: "verify walks the audit log from genesis, recomputes every entry hash,\n" +
		"and reports the first break in the chain if one exists.",
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath := filepath.Join(cfg.Storage.DataPath, "grace.db")
	backend, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer backend.Close()

	ctx := context.Background()
	entries, err := backend.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("load audit entries: %w", err)
	}

	if !audit.VerifyChain(entries) {
		fmt.Fprintln(os.Stderr, "audit chain BROKEN: entry hash mismatch detected")
		os.Exit(1)
	}

	fmt.Printf("audit chain intact: %d entries verified\n", len(entries))
	return nil
}
