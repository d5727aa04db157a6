// Command preprocess companding-quantizes the audio files of a catalog into
// <prefix>.dat, extracts log-mel frames into <prefix>.mel and writes the
// index <prefix>.ind.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfluke/wavae/data"
	"github.com/openfluke/wavae/envconfig"
)

// multi-letter single-dash spellings kept for existing scripts; pflag only
// supports one-letter shorthands
var legacyFlags = map[string]string{
	"-nq": "--n-quant",
	"-sr": "--sample-rate",
}

func rewriteLegacyFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		if a == "--" {
			return append(out, args[i:]...)
		}
		name, value, hasValue := strings.Cut(a, "=")
		if long, ok := legacyFlags[name]; ok {
			if hasValue {
				a = long + "=" + value
			} else {
				a = long
			}
		}
		out = append(out, a)
	}
	return out
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func setupLogging(w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     envconfig.LogLevel(),
		AddSource: envconfig.LogLevel() < slog.LevelInfo,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.SourceKey {
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	})
	slog.SetDefault(slog.New(handler))
}

func newPreprocessCmd() *cobra.Command {
	var nQuant, sampleRate int

	cmd := &cobra.Command{
		Use:           "preprocess [flags] SAMPLES_FILE FILE_PREFIX",
		Short:         "Quantize a catalog of audio files for training",
		Long:          "SAMPLES_FILE contains lines <id>\\t/path/to/sample.wav.\nOutputs <prefix>.ind, <prefix>.dat and <prefix>.mel.",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd.ErrOrStderr())
			slog.Debug("environment", "values", envconfig.Values())
			cmd.PrintErrln("Starting...")

			catalog, err := data.ParseCatalog(args[0])
			if err != nil {
				return err
			}
			slog.Debug("catalog", "path", args[0], "entries", len(catalog))
			return data.Convert(cmd.Context(), catalog, args[1], nQuant, sampleRate)
		},
	}

	cmd.Flags().IntVar(&nQuant, "n-quant", 256, "Number of quantization levels for mu-law companding (alias -nq)")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 16000, "Number of samples per second for parsing sound files (alias -sr)")

	appendEnvDocs(cmd, []envconfig.EnvVar{
		envconfig.AsMap()["WAVAE_DEBUG"],
		envconfig.AsMap()["WAVAE_N_MELS"],
		envconfig.AsMap()["WAVAE_WORKERS"],
	})
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := newPreprocessCmd()
	cmd.SetArgs(rewriteLegacyFlags(os.Args[1:]))
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
