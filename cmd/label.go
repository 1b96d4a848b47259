package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Rename an identity stored in the database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid identity ID %q: %w", args[0], err)
		}
		name := args[1]

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		if err := s.RenameIdentity(cmd.Context(), id, name); err != nil {
			utils.ShowError("Failed to label identity", err, nil)
			return err
		}

		fmt.Printf("✅ Identity %d labeled as '%s'\n", id, name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
