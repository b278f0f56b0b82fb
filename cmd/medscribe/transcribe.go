package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/medscribe/pkg/audio"
	"github.com/MrWong99/medscribe/pkg/provider/stt"
)

func newTranscribeCmd(g *globalFlags) *cobra.Command {
	var (
		sampleRate int
		channels   int
		noFallback bool
	)
	cmd := &cobra.Command{
		Use:   "transcribe <pcm-or-wav>",
		Short: "Transcribe one recorded consultation",
		Long:  "Transcribes a WAV file or raw 16-bit little-endian PCM. Raw PCM uses --sample-rate and --channels.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rate, ch := sampleRate, channels
			if audio.IsWAV(data) {
				if data, rate, ch, err = audio.DecodeWAV(data); err != nil {
					return err
				}
			}
			pcm, err := audio.ToMono16k(data, rate, ch)
			if err != nil {
				return err
			}
			if len(pcm) == 0 {
				return fmt.Errorf("%s contains no audio", args[0])
			}

			a, _, err := g.newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Shutdown(context.WithoutCancel(cmd.Context()))

			sess := a.Sessions().NewSession()
			defer sess.Close()
			if err := sess.Start(); err != nil {
				return err
			}
			sess.PushAudio(pcm)
			text, err := sess.Finish(cmd.Context(), !noFallback)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().IntVar(&sampleRate, "sample-rate", stt.DefaultSampleRate, "sample rate of raw PCM input in Hz")
	cmd.Flags().IntVar(&channels, "channels", stt.DefaultChannels, "channel count of raw PCM input")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "do not try the fallback provider when the primary fails")
	return cmd
}
