// cmd/taskd/preview.go
package main

import (
	"fmt"
	"io"
	"time"

	"distributed-tasks/internal/config"
	"distributed-tasks/internal/domain"
	"distributed-tasks/internal/schedule"

	"github.com/spf13/cobra"
)

func previewCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "preview NAME",
		Short: "Print the next triggers of a configured task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return preview(cmd.OutOrStdout(), cfg, args[0], time.Now(), count)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of triggers to print")
	return cmd
}

func preview(w io.Writer, cfg *config.Config, name string, from time.Time, n int) error {
	var def *domain.TaskDefinition
	for _, d := range cfg.Tasks {
		if d.Name == name {
			def = d
			break
		}
	}
	if def == nil {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, name)
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}
	algo, err := schedule.BuildAll(def.Schedules, loc)
	if err != nil {
		return err
	}

	triggers := schedule.Upcoming(algo, from.In(loc), time.Time{}, n)
	if len(triggers) == 0 {
		fmt.Fprintf(w, "%s has no upcoming triggers\n", name)
		return nil
	}
	for _, t := range triggers {
		fmt.Fprintln(w, t.Format(time.RFC3339))
	}
	return nil
}
