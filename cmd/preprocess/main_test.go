package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/wavae/data"
)

func TestRewriteLegacyFlags(t *testing.T) {
	cases := []struct {
		in, want []string
	}{
		{[]string{"-nq", "512", "cat", "out"}, []string{"--n-quant", "512", "cat", "out"}},
		{[]string{"-sr=8000", "cat", "out"}, []string{"--sample-rate=8000", "cat", "out"}},
		{[]string{"--n-quant", "16", "cat", "out"}, []string{"--n-quant", "16", "cat", "out"}},
		{[]string{"cat", "--", "-nq"}, []string{"cat", "--", "-nq"}},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, rewriteLegacyFlags(tt.in))
	}
}

func TestPreprocessCommand(t *testing.T) {
	t.Setenv("WAVAE_N_MELS", "20")
	dir := t.TempDir()

	wavPath := filepath.Join(dir, "a.wav")
	f, err := os.Create(wavPath)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	samples := make([]int, 1200)
	for i := range samples {
		samples[i] = (i%50 - 25) * 400
	}
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	catalog := filepath.Join(dir, "samples.tsv")
	require.NoError(t, os.WriteFile(catalog, []byte("a\t"+wavPath+"\n"), 0o644))
	prefix := filepath.Join(dir, "train")

	cmd := newPreprocessCmd()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetArgs(rewriteLegacyFlags([]string{"-nq", "512", "-sr", "8000", catalog, prefix}))
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, stderr.String(), "Starting...")

	ix, err := data.ReadIndex(prefix + ".ind")
	require.NoError(t, err)
	assert.Equal(t, 512, ix.NQuant)
	assert.Equal(t, 8000, ix.SampleRate)
	assert.Equal(t, 20, ix.NumMels)
	require.Len(t, ix.Entries, 1)
	assert.Equal(t, int64(1200), ix.Entries[0].NumSamples)

	info, err := os.Stat(prefix + ".dat")
	require.NoError(t, err)
	assert.Equal(t, int64(2400), info.Size(), "512 levels need two bytes per sample")
}

func TestPreprocessCommandDebugLogsEnvironment(t *testing.T) {
	t.Setenv("WAVAE_DEBUG", "1")
	t.Setenv("WAVAE_N_MELS", "24")
	defer slog.SetDefault(slog.Default())

	dir := t.TempDir()
	catalog := filepath.Join(dir, "empty.tsv")
	require.NoError(t, os.WriteFile(catalog, []byte("# nothing yet\n"), 0o644))

	cmd := newPreprocessCmd()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{catalog, filepath.Join(dir, "out")})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, stderr.String(), "msg=environment")
	assert.Contains(t, stderr.String(), "WAVAE_N_MELS:24")
}

func TestPreprocessCommandErrors(t *testing.T) {
	cmd := newPreprocessCmd()
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"only-one"})
	assert.Error(t, cmd.Execute())

	cmd = newPreprocessCmd()
	cmd.SetErr(&bytes.Buffer{})
	dir := t.TempDir()
	cmd.SetArgs([]string{filepath.Join(dir, "missing.tsv"), filepath.Join(dir, "out")})
	assert.ErrorIs(t, cmd.Execute(), os.ErrNotExist)
}
