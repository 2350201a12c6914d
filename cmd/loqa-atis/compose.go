package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-atis/internal/audio"
	"github.com/loqalabs/loqa-atis/internal/composer"
	"github.com/loqalabs/loqa-atis/internal/config"
	"github.com/loqalabs/loqa-atis/internal/station"
	"github.com/loqalabs/loqa-atis/internal/tts"
	"github.com/spf13/cobra"
)

func newComposeCmd() *cobra.Command {
	var (
		stationID string
		wavDir    string
	)
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Print the report text of configured stations",
		Long: `Compose renders the report each configured station would broadcast now.
With --wav the text is also synthesized and written as one WAV file per station.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			stations := station.FromConfig(cfg.Stations, time.Now())

			var gateway *tts.Gateway
			if wavDir != "" {
				gateway, err = tts.NewGateway(cmd.Context(), cfg.TTS, newLogger("error"))
				if err != nil {
					return fmt.Errorf("create synthesis gateway: %w", err)
				}
				if err := os.MkdirAll(wavDir, 0o755); err != nil {
					return err
				}
			}

			found := false
			for _, st := range stations {
				if stationID != "" && st.ID != stationID {
					continue
				}
				found = true
				text, err := composer.Compose(st, st.Weather)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", st.ID, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%.3f MHz): %s\n", st.ID, st.FrequencyMHz(), text)
				if gateway != nil {
					if err := writeReport(cmd.Context(), gateway, cfg.TTS.DefaultVoice, st, text, wavDir); err != nil {
						return err
					}
				}
			}
			if stationID != "" && !found {
				return fmt.Errorf("station %q not configured", stationID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stationID, "station", "", "Only compose this station")
	cmd.Flags().StringVar(&wavDir, "wav", "", "Synthesize reports into this directory")
	return cmd
}

func writeReport(ctx context.Context, gateway *tts.Gateway, defaultVoice string, st station.Station, text, dir string) error {
	voice := st.Voice
	if voice == "" {
		voice = defaultVoice
	}
	pcm, err := gateway.Synthesize(ctx, text, tts.ParseProvider(voice))
	if err != nil {
		return fmt.Errorf("synthesize %s: %w", st.ID, err)
	}
	f, err := os.Create(filepath.Join(dir, st.ID+".wav"))
	if err != nil {
		return err
	}
	defer f.Close()
	return audio.WriteWAV(f, pcm.Samples, pcm.SampleRate)
}
