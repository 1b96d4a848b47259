package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/sentinel-live/internal/config"
	"github.com/andresmejia3/sentinel-live/internal/gallery"
	"github.com/andresmejia3/sentinel-live/internal/match"
	"github.com/andresmejia3/sentinel-live/internal/pipeline"
	"github.com/andresmejia3/sentinel-live/internal/results"
	"github.com/andresmejia3/sentinel-live/internal/types"
)

func TestReadFrames(t *testing.T) {
	frameA := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	frameB := []byte{0xFF, 0xD8, 0x02, 0x03, 0xFF, 0xD9}
	stream := append([]byte{0x00}, frameA...)
	stream = append(stream, frameB...)

	var got []types.FrameTask
	n, err := readFrames(context.Background(), bytes.NewReader(stream), func(task types.FrameTask) error {
		got = append(got, task)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, frameA, got[0].Data)
	assert.Equal(t, frameB, got[1].Data)
}

func TestReadFrames_StopsOnCallbackError(t *testing.T) {
	stream := bytes.Repeat([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, 3)
	stop := errors.New("stop")

	n, err := readFrames(context.Background(), bytes.NewReader(stream), func(task types.FrameTask) error {
		if task.Index == 1 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, n)
}

func TestDistribute(t *testing.T) {
	idle := make(chan pipeline.Frame, 1)
	busy := make(chan pipeline.Frame, 1)
	busy <- pipeline.Frame{Index: 0}

	// Live sources never wait for a busy stream.
	sent, err := distribute(context.Background(), pipeline.Frame{Index: 1}, []chan<- pipeline.Frame{idle, busy}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, (<-idle).Index)
	assert.Equal(t, 0, (<-busy).Index)

	// File sources wait, until the context gives up.
	busy <- pipeline.Frame{Index: 0}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = distribute(ctx, pipeline.Frame{Index: 2}, []chan<- pipeline.Frame{busy}, true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsume_DrainsThenStops(t *testing.T) {
	ch := results.New[*pipeline.FrameResult](4)
	for i := range 3 {
		ch.Push(&pipeline.FrameResult{Seq: uint64(i)})
	}
	ch.Close()

	var seqs []uint64
	err := consume(context.Background(), ch, func(res *pipeline.FrameResult) {
		seqs = append(seqs, res.Seq)
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, seqs)
}

func TestConsume_Cancelled(t *testing.T) {
	ch := results.New[*pipeline.FrameResult](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := consume(ctx, ch, func(*pipeline.FrameResult) { t.Fatal("nothing to consume") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer
	writeResult(&buf, &pipeline.FrameResult{
		Stream: "buffalo_s",
		Seq:    42,
		FPS:    12.34,
		Detections: []types.Detection{
			{Box: types.BBox{1, 2, 3, 4}, Label: "Alice", Similarity: 0.876},
			{Box: types.BBox{5, 6, 7, 8}, Label: "Unknown", Similarity: 0.1},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "[buffalo_s] frame 42  fps 12.3  faces 2")
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "0.88")
	assert.Contains(t, out, "(5,6)-(7,8)")

	p := &resultPrinter{w: &buf, quiet: true}
	buf.Reset()
	p.Print(&pipeline.FrameResult{})
	assert.Empty(t, buf.String())
}

func TestIdentifyFaces(t *testing.T) {
	g, err := gallery.New([]string{"Alice", "Bob"}, [][]float64{{1, 0}, {0, 1}})
	require.NoError(t, err)

	faces := []types.Face{
		{Box: types.BBox{0, 0, 10, 10}, Vec: []float64{0, 5}},
		{Box: types.BBox{10, 10, 20, 20}, Vec: []float64{-1, 0}},
	}
	dets, err := identifyFaces(context.Background(), faces, galleryResolver(g, 0.3))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, "Bob", dets[0].Label)
	assert.InDelta(t, 1.0, dets[0].Similarity, 1e-9)
	assert.Equal(t, "Unknown", dets[1].Label)
	assert.Equal(t, types.BBox{10, 10, 20, 20}, dets[1].Box)

	boom := errors.New("db down")
	_, err = identifyFaces(context.Background(), faces, func(context.Context, [][]float64) ([]match.Match, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = identifyFaces(context.Background(), faces, func(context.Context, [][]float64) ([]match.Match, error) {
		return []match.Match{{Label: "Alice"}}, nil
	})
	assert.Error(t, err, "a short batch must not be zipped")
}

func TestResolveProcessing(t *testing.T) {
	preset := filepath.Join(t.TempDir(), "preset.yaml")
	require.NoError(t, config.SaveSettingsFile(preset, pipeline.Config{
		Threshold: 0.5, SkipInterval: 4, Downscale: 2, CropMargin: 0.2,
	}))

	tests := []struct {
		name    string
		file    string
		flags   map[string]string
		want    func(pipeline.Config) pipeline.Config
		wantErr bool
	}{
		{
			name: "Environment only",
			want: func(c pipeline.Config) pipeline.Config { return c },
		},
		{
			name: "Preset overrides environment",
			file: preset,
			want: func(c pipeline.Config) pipeline.Config {
				c.Threshold, c.SkipInterval, c.Downscale = 0.5, 4, 2
				return c
			},
		},
		{
			name:  "Flags override preset",
			file:  preset,
			flags: map[string]string{"skip": "1", "central": "true"},
			want: func(c pipeline.Config) pipeline.Config {
				c.Threshold, c.SkipInterval, c.Downscale, c.CentralOnly = 0.5, 1, 2, true
				return c
			},
		},
		{
			name:    "Invalid flag value",
			flags:   map[string]string{"downscale": "0.5"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			bindProcessingFlags(cmd)
			for k, v := range tt.flags {
				require.NoError(t, cmd.Flags().Set(k, v))
			}

			base := pipeline.DefaultConfig()
			got, err := resolveProcessing(cmd, base, tt.file)
			if tt.wantErr {
				assert.ErrorIs(t, err, pipeline.ErrInvalidSettings)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want(base), got)
		})
	}
}

func TestReloadSettings(t *testing.T) {
	dir := t.TempDir()
	s, err := pipeline.NewSettings(pipeline.DefaultConfig())
	require.NoError(t, err)

	good := filepath.Join(dir, "good.yaml")
	want := pipeline.DefaultConfig()
	want.Threshold, want.SkipInterval = 0.7, 3
	require.NoError(t, config.SaveSettingsFile(good, want))

	got, err := reloadSettings(s, good)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, want, s.Snapshot())

	bad := filepath.Join(dir, "bad.yaml")
	invalid := want
	invalid.Downscale = 0.5
	require.NoError(t, config.SaveSettingsFile(bad, invalid))

	_, err = reloadSettings(s, bad)
	assert.ErrorIs(t, err, pipeline.ErrInvalidSettings)
	assert.Equal(t, want, s.Snapshot(), "a rejected preset must leave the live settings alone")

	_, err = reloadSettings(s, filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	assert.Equal(t, want, s.Snapshot())
}

func TestRemoveCacheArtifacts(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0644))
	for _, model := range []string{"buffalo_l", "buffalo_s"} {
		require.NoError(t, os.WriteFile(gallery.CachePath(dir, model), []byte("{}"), 0644))
	}

	removeCacheArtifacts(dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Name())
}

func TestRecordNames(t *testing.T) {
	assert.Equal(t, "Alice, NoFaceDetected", recordNames([]byte(`{"bboxes":[[0,0,1,1,"Alice",0.9],[1,1,2,2,"NoFaceDetected",0]]}`)))
	assert.Equal(t, "-", recordNames([]byte(`{"bboxes":[[0,0,1,1]]}`)))
	assert.Equal(t, "?", recordNames([]byte(`{"bboxes":`)))
	assert.True(t, strings.HasPrefix(fmtBox(types.BBox{1, 2, 3, 4}), "(1,2)"))
}
