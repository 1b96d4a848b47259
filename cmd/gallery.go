package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/embedding"
	"github.com/andresmejia3/sentinel-live/internal/gallery"
	"github.com/andresmejia3/sentinel-live/internal/utils"
	"github.com/andresmejia3/sentinel-live/internal/worker"
)

// galleryOptions select where a command takes its gallery from.
type galleryOptions struct {
	FromDB  bool
	Rebuild bool
}

func (o *galleryOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.FromDB, "from-db", false, "Load the gallery from PostgreSQL instead of the cache")
	cmd.Flags().BoolVar(&o.Rebuild, "rebuild", false, "Ignore the embeddings cache and rebuild from the known faces directory")
}

// loadGallery returns the gallery for modelName, from the database or from
// the cache (building it when needed, with a progress bar).
func loadGallery(ctx context.Context, det worker.Detector, modelName string, opts galleryOptions) (*gallery.Gallery, error) {
	if opts.FromDB {
		s, err := openStore(ctx)
		if err != nil {
			return nil, err
		}
		g, err := s.LoadGallery(ctx, modelName)
		if err != nil {
			return nil, fmt.Errorf("failed to load gallery from database: %w", err)
		}
		fmt.Fprintf(os.Stderr, "🗄️  Loaded %d identities from database\n", g.Len())
		return g, nil
	}

	bar, done := buildProgress(cfg.Gallery.Dir)
	defer done()

	g, src, err := gallery.LoadOrBuild(ctx, det, gallery.LoadOptions{
		CacheDir: cfg.Gallery.CacheDir,
		Model:    modelName,
		Dir:      cfg.Gallery.Dir,
		Rebuild:  opts.Rebuild,
		Build: gallery.BuildOptions{
			Logger:  logger,
			OnImage: func(string) { bar.Add(1) },
			Dim:     embedding.Dim,
		},
	})
	if err != nil {
		return nil, err
	}
	if g.Len() == 0 {
		fmt.Fprintf(os.Stderr, "⚠️  Gallery is empty: every face will be reported as Unknown\n")
	} else {
		fmt.Fprintf(os.Stderr, "📚 Gallery ready: %d identities (%s)\n", g.Len(), src)
	}
	return g, nil
}

// buildProgress prepares a bar sized to the reference images in dir. The
// returned func finishes the bar if anything was drawn.
func buildProgress(dir string) (*progressbar.ProgressBar, func()) {
	paths, _ := gallery.ListImages(dir)
	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("📸 Embedding known faces"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return bar, func() {
		if bar.State().CurrentNum > 0 {
			bar.Finish()
		}
	}
}

var galleryOpts galleryOptions

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Build, inspect and publish the known identity gallery",
}

var galleryBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed the known faces directory and refresh the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return withGallery(cmd.Context(), galleryOptions{Rebuild: true}, func(g *gallery.Gallery) error {
			printGallery(g)
			return nil
		})
	},
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the identities in the gallery",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		if galleryOpts.FromDB {
			return listStoredIdentities(ctx)
		}

		// Listing the cache must not start a model.
		g, err := gallery.LoadCache(gallery.CachePath(cfg.Gallery.CacheDir, cfg.Model.Name), cfg.Model.Name, embedding.Dim)
		if err != nil {
			utils.ShowError("No usable gallery cache, run `gallery build` first", err, nil)
			return err
		}
		printGallery(g)
		return nil
	},
}

var galleryPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Store the gallery in PostgreSQL, replacing the entries of this model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		return withGallery(ctx, galleryOptions{Rebuild: galleryOpts.Rebuild}, func(g *gallery.Gallery) error {
			if err := s.SyncGallery(ctx, cfg.Model.Name, g); err != nil {
				return fmt.Errorf("failed to push gallery: %w", err)
			}
			fmt.Printf("✅ Pushed %d identities for model %s\n", g.Len(), cfg.Model.Name)
			return nil
		})
	},
}

// withGallery starts a worker, loads the gallery and hands it to fn.
func withGallery(ctx context.Context, opts galleryOptions, fn func(*gallery.Gallery) error) error {
	w, err := startWorker(ctx, 0, cfg.Model.Name)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	g, err := loadGallery(ctx, w, cfg.Model.Name, opts)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, w.Cmd)
		return err
	}
	return fn(g)
}

func printGallery(g *gallery.Gallery) {
	if g.Len() == 0 {
		fmt.Println("No identities in gallery.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tDIM")
	fmt.Fprintln(w, "-\t----\t---")
	for i, name := range g.Names() {
		fmt.Fprintf(w, "%d\t%s\t%d\n", i, name, g.Dim())
	}
	w.Flush()
}

func listStoredIdentities(ctx context.Context) error {
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	identities, err := s.ListIdentities(ctx)
	if err != nil {
		utils.ShowError("Failed to list identities", err, nil)
		return err
	}
	if len(identities) == 0 {
		fmt.Println("No identities found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODEL\tCREATED")
	fmt.Fprintln(w, "--\t----\t-----\t-------")
	for _, id := range identities {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", id.ID, id.Name, id.Model, id.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func init() {
	galleryListCmd.Flags().BoolVar(&galleryOpts.FromDB, "from-db", false, "List the identities stored in PostgreSQL")
	galleryPushCmd.Flags().BoolVar(&galleryOpts.Rebuild, "rebuild", false, "Rebuild from the known faces directory before pushing")

	galleryCmd.AddCommand(galleryBuildCmd, galleryListCmd, galleryPushCmd)
	rootCmd.AddCommand(galleryCmd)
}
