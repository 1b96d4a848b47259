package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/utils"
)

var (
	resetDB    bool
	resetCache bool
	resetLog   bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Embedding Cache, Recognition Log)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetCache && !resetLog {
			resetDB = dbURL != ""
			resetCache = true
			resetLog = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP all database tables?") {
				s, err := openStore(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Println("🗑️  Clearing Database...")
				if err := s.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetCache {
			if confirm(reader, "⚠️  Are you sure you want to delete all cached gallery embeddings?") {
				fmt.Println("🗑️  Clearing Embedding Cache...")
				removeCacheArtifacts(cfg.Gallery.CacheDir)
			}
		}

		if resetLog && cfg.Server.RecognitionLog != "" {
			if confirm(reader, "⚠️  Are you sure you want to delete the recognition log?") {
				fmt.Println("🗑️  Clearing Recognition Log...")
				removeFile(cfg.Server.RecognitionLog)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "database", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Clear gallery embedding caches")
	resetCmd.Flags().BoolVar(&resetLog, "log", false, "Clear the recognition log file")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// removeCacheArtifacts deletes the gallery caches of every model, leaving
// anything else in dir alone.
func removeCacheArtifacts(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_embeddings.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to list %s: %v\n", dir, err)
		return
	}
	for _, path := range matches {
		removeFile(path)
	}
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
