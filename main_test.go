package main

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dptscreen/config"
	"dptscreen/dpt"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, w, h))))
	require.NoError(t, f.Close())
}

func readPNGSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestSnapshotFromBareImageReplay(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "screen.png")
	writePNG(t, in, 40, 30)

	for _, tc := range []struct {
		orientation string
		w, h        int
	}{
		{"landscape", 30, 40},
		{"portrait", 40, 30},
	} {
		out := filepath.Join(dir, tc.orientation+".png")
		opts := options{snapshot: out, replay: in, replayOrientation: tc.orientation}
		require.NoError(t, snapshot(context.Background(), config.Default(), opts, dpt.DeviceEndpoint{}, dpt.CropProfiles{}))
		w, h := readPNGSize(t, out)
		assert.Equal(t, tc.w, w, tc.orientation)
		assert.Equal(t, tc.h, h, tc.orientation)
	}
}

func TestSnapshotRejectsUnknownReplayOrientation(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "screen.png")
	writePNG(t, in, 4, 4)

	opts := options{snapshot: filepath.Join(dir, "out.png"), replay: in, replayOrientation: "sideways"}
	assert.Error(t, snapshot(context.Background(), config.Default(), opts, dpt.DeviceEndpoint{}, dpt.CropProfiles{}))
}
