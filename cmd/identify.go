package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/sentinel-live/internal/gallery"
	"github.com/andresmejia3/sentinel-live/internal/match"
	"github.com/andresmejia3/sentinel-live/internal/render"
	"github.com/andresmejia3/sentinel-live/internal/store"
	"github.com/andresmejia3/sentinel-live/internal/types"
	"github.com/andresmejia3/sentinel-live/internal/utils"
)

var identifyOpts struct {
	Threshold float64
	Output    string
	Gallery   galleryOptions
}

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match every face in an image against the known identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyOpts.Threshold, "threshold", "t", match.DefaultThreshold, "Cosine similarity threshold for a known identity")
	identifyCmd.Flags().StringVarP(&identifyOpts.Output, "output", "o", "", "Write the annotated image to this path")
	identifyOpts.Gallery.bind(identifyCmd)
	rootCmd.AddCommand(identifyCmd)
}

// resolver names a batch of embeddings, in order.
type resolver func(ctx context.Context, vecs [][]float64) ([]match.Match, error)

func galleryResolver(g *gallery.Gallery, threshold float64) resolver {
	return func(_ context.Context, vecs [][]float64) ([]match.Match, error) {
		return match.IdentifyAll(vecs, g, threshold), nil
	}
}

func storeResolver(s *store.Store, model string, threshold float64) resolver {
	return func(ctx context.Context, vecs [][]float64) ([]match.Match, error) {
		out := make([]match.Match, 0, len(vecs))
		for _, vec := range vecs {
			id, name, sim, err := s.FindClosestIdentity(ctx, model, vec, threshold)
			if err != nil {
				return nil, err
			}
			m := match.Match{Label: name, Score: sim, Index: id}
			switch {
			case id == -1:
				m.Label = match.Unknown
			case name == "":
				m.Label = fmt.Sprintf("Identity %d", id)
			}
			out = append(out, m)
		}
		return out, nil
	}
}

// identifyFaces resolves each face in detector order.
func identifyFaces(ctx context.Context, faces []types.Face, resolve resolver) ([]types.Detection, error) {
	vecs := make([][]float64, len(faces))
	for i, f := range faces {
		vecs[i] = f.Vec
	}
	matches, err := resolve(ctx, vecs)
	if err != nil {
		return nil, err
	}
	if len(matches) != len(faces) {
		return nil, fmt.Errorf("resolved %d of %d faces", len(matches), len(faces))
	}

	dets := make([]types.Detection, len(faces))
	for i, f := range faces {
		dets[i] = types.Detection{Box: f.Box, Label: matches[i].Label, Similarity: matches[i].Score}
	}
	return dets, nil
}

func runIdentify(ctx context.Context, imagePath string) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	img, err := render.Decode(imgData)
	if err != nil {
		utils.ShowError("Input is not a supported image", err, nil)
		return err
	}

	w, err := startWorker(ctx, 0, cfg.Model.Name)
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	var resolve resolver
	if identifyOpts.Gallery.FromDB {
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		resolve = storeResolver(s, cfg.Model.Name, identifyOpts.Threshold)
	} else {
		g, err := loadGallery(ctx, w, cfg.Model.Name, identifyOpts.Gallery)
		if err != nil {
			utils.ShowError("Failed to load gallery", err, w.Cmd)
			return err
		}
		resolve = galleryResolver(g, identifyOpts.Threshold)
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	faces, err := w.Detect(img)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	dets, err := identifyFaces(ctx, faces, resolve)
	if err != nil {
		utils.ShowError("Identity lookup failed", err, nil)
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FACE\tNAME\tSIMILARITY\tBOX")
	fmt.Fprintln(tw, "----\t----\t----------\t---")
	for i, d := range dets {
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%s\n", i, d.Label, d.Similarity, fmtBox(d.Box))
	}
	tw.Flush()

	if identifyOpts.Output != "" {
		data, err := render.Encode(render.Annotate(img, dets), render.DefaultQuality)
		if err != nil {
			return fmt.Errorf("encode annotated image: %w", err)
		}
		if err := os.WriteFile(identifyOpts.Output, data, 0644); err != nil {
			return fmt.Errorf("write annotated image: %w", err)
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated image written to %s\n", identifyOpts.Output)
	}
	return nil
}
