package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/gordonklaus/portaudio"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio devices known to PortAudio",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize PortAudio: %w", err)
		}
		defer portaudio.Terminate()

		devices, err := portaudio.Devices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}
		defIn, _ := portaudio.DefaultInputDevice()
		defOut, _ := portaudio.DefaultOutputDevice()

		out := cmd.OutOrStdout()
		r := lipgloss.NewRenderer(out)
		mark := r.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
		faint := r.NewStyle().Faint(true)
		for i, d := range devices {
			name := d.Name
			if d == defIn || d == defOut {
				name = mark.Render(name + " *")
			}
			fmt.Fprintf(out, "%2d %s %s\n", i, name,
				faint.Render(fmt.Sprintf("in=%d out=%d rate=%.0f", d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)))
		}
		return nil
	},
}
