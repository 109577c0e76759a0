// cmd/taskd/ctl.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	http_api "distributed-tasks/internal/api/http"
	"distributed-tasks/internal/usecase"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

type ctlClient struct {
	http *resty.Client
}

func newCtlClient(addr, actor string) *ctlClient {
	return &ctlClient{http: resty.New().
		SetBaseURL(addr).
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader(http_api.ActorHeader, actor)}
}

// do sends the request and turns error responses into errors.
func (c *ctlClient) do(ctx context.Context, method, path string, body, out any) error {
	var apiErr http_api.ErrorResponse
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.http.BaseURL, err)
	}
	if resp.IsError() {
		if apiErr.Error == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status())
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}
	return nil
}

func (c *ctlClient) List(ctx context.Context) ([]usecase.TaskView, error) {
	var tasks []usecase.TaskView
	if err := c.do(ctx, resty.MethodGet, "/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *ctlClient) Run(ctx context.Context, name string, start *time.Time) (http_api.ScheduleNowResponse, error) {
	var out http_api.ScheduleNowResponse
	err := c.do(ctx, resty.MethodPost, "/tasks/"+name+"/run", http_api.ScheduleNowRequest{Start: start}, &out)
	return out, err
}

func (c *ctlClient) Stop(ctx context.Context, name string) (http_api.StopResponse, error) {
	var out http_api.StopResponse
	err := c.do(ctx, resty.MethodPost, "/tasks/"+name+"/stop", nil, &out)
	return out, err
}

func (c *ctlClient) ReleaseLock(ctx context.Context, name string) error {
	return c.do(ctx, resty.MethodPost, "/tasks/"+name+"/release-lock", nil, nil)
}

func ctlCmd() *cobra.Command {
	var addr, actor string
	client := func() *ctlClient { return newCtlClient(addr, actor) }

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Administer the tasks of a running node",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "base URL of the node's admin API")
	cmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "name recorded as the initiator of the operation")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the tasks of the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tasks, err := client().List(cmd.Context())
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		},
	})

	var at string
	run := &cobra.Command{
		Use:   "run NAME",
		Short: "Schedule a task to run now, or at --at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var start *time.Time
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				start = &t
			}
			out, err := client().Run(cmd.Context(), args[0], start)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s scheduled for %s\n", out.Task, out.Start.Format(time.RFC3339))
			return nil
		},
	}
	run.Flags().StringVar(&at, "at", "", "start time in RFC3339")
	cmd.AddCommand(run)

	cmd.AddCommand(&cobra.Command{
		Use:   "stop NAME",
		Short: "Ask a running task to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out.Confirmed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is stopping\n", out.Task)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: stop requested, not yet confirmed\n", out.Task)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "release-lock NAME",
		Short: "Release the cluster lock of a task that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().ReleaseLock(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: lock released\n", args[0])
			return nil
		},
	})
	return cmd
}

func printTasks(w io.Writer, tasks []usecase.TaskView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tENABLED\tBLOCKED\tNEXT RUN\tLOCK")
	for _, t := range tasks {
		next := "-"
		if t.NextRun != nil {
			next = t.NextRun.Format(time.RFC3339)
		}
		lock := "-"
		if t.Lock != nil {
			lock = t.Lock.Node.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%s\n", t.Name, t.State, t.Enabled, t.Blocked, next, lock)
	}
	return tw.Flush()
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
