package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/sokrates/pkg/profile"
)

func newProfileCommand() *cobra.Command {
	var profilePath string

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the accumulated cognitive profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			historian, err := profile.NewHistorian(profilePath)
			if err != nil {
				return err
			}
			p := historian.Profile()

			fmt.Println("Recurring fallacies:")
			top := p.TopFallacies(len(p.RecurringFallacies))
			if len(top) == 0 {
				fmt.Println("  (none recorded)")
			}
			for _, fc := range top {
				fmt.Printf("  %-30s %d\n", fc.Name, fc.Count)
			}

			fmt.Printf("\nStruggles recorded: %d\n", len(p.StruggleHistory))
			if n := len(p.StruggleHistory); n > 0 {
				last := p.StruggleHistory[n-1]
				fmt.Printf("Last topic: %s (%s)\n", last.Topic, last.Timestamp.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile-file", defaultProfilePath(), "cognitive profile file")
	return cmd
}
