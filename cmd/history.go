package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/publisher"
	"github.com/andresmejia3/sentinel-live/internal/utils"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent recognitions recorded in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		records, err := s.RecentRecognitions(ctx, historyLimit)
		if err != nil {
			utils.ShowError("Failed to list recognitions", err, nil)
			return err
		}
		if len(records) == 0 {
			fmt.Println("No recognitions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TIME\tFACES\tNAMES")
		fmt.Fprintln(w, "----\t-----\t-----")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%d\t%s\n", r.RecordedAt.Local().Format("2006-01-02 15:04:05"), r.FaceCount, recordNames(r.Meta))
		}
		w.Flush()
		return nil
	},
}

// recordNames summarizes the labels in a stored metadata document.
func recordNames(raw []byte) string {
	meta, err := publisher.ParseMetadata(raw)
	if err != nil {
		return "?"
	}
	names := make([]string, 0, len(meta.BBoxes))
	for _, b := range meta.BBoxes {
		if b.Label == "" {
			names = append(names, "-")
			continue
		}
		names = append(names, b.Label)
	}
	return strings.Join(names, ", ")
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Number of records to show")
	rootCmd.AddCommand(historyCmd)
}
