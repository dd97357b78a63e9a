// Command jobctl is an operator CLI that talks directly to the job/request
// store: it enqueues SUBMIT and CANCEL requests for the scheduler loop to
// pick up on its next tick, and reports on job and request state.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tessia-project/jobscheduler/internal/domain"
	"github.com/tessia-project/jobscheduler/internal/store"
	"github.com/tessia-project/jobscheduler/pkg/config"
)

var dbURL string

func main() {
	root := &cobra.Command{
		Use:   "jobctl",
		Short: "Inspect and drive the job scheduler's request queue",
	}
	root.PersistentFlags().StringVar(&dbURL, "db-url", "", "data store connection string (defaults to the daemon's configured db.url)")

	root.AddCommand(newSubmitCmd(), newCancelCmd(), newJobsCmd(), newRequestsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*store.Store, error) {
	url := dbURL
	if url == "" {
		cfg, _, err := config.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("no --db-url given and no usable daemon configuration found: %w", err)
		}
		url = cfg.Database.URL
	}
	return store.Open(url)
}

func newSubmitCmd() *cobra.Command {
	var (
		jobType    string
		paramsFile string
		submitter  string
		priority   int
		timeout    int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a SUBMIT request for the scheduler to process",
		RunE: func(cmd *cobra.Command, args []string) error {
			var params []byte
			var err error
			if paramsFile == "-" || paramsFile == "" {
				params, err = readAllStdin()
			} else {
				params, err = os.ReadFile(paramsFile)
			}
			if err != nil {
				return fmt.Errorf("reading job parameters: %w", err)
			}

			st, err := openStore()
			if err != nil {
				return err
			}

			req := &domain.Request{
				ID:         uuid.NewString(),
				Action:     domain.ActionSubmit,
				JobType:    jobType,
				Parameters: string(params),
				Priority:   priority,
				Timeout:    timeout,
				Submitter:  submitter,
				SubmitDate: time.Now().UTC(),
				State:      domain.RequestPending,
			}
			if err := st.CreateRequest(context.Background(), req); err != nil {
				return fmt.Errorf("enqueuing request: %w", err)
			}
			fmt.Println(req.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobType, "job-type", "", "registered machine job type (required)")
	cmd.Flags().StringVar(&paramsFile, "params", "-", "path to a job parameters file, or - for stdin")
	cmd.Flags().StringVar(&submitter, "submitter", os.Getenv("USER"), "identity recorded as the request's submitter")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority, lower runs first")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "job timeout in seconds, 0 means unbounded")
	cmd.MarkFlagRequired("job-type")
	return cmd
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Enqueue a CANCEL request for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			jobID := args[0]
			req := &domain.Request{
				ID:         uuid.NewString(),
				Action:     domain.ActionCancel,
				JobID:      &jobID,
				SubmitDate: time.Now().UTC(),
				State:      domain.RequestPending,
			}
			if err := st.CreateRequest(context.Background(), req); err != nil {
				return fmt.Errorf("enqueuing cancel request: %w", err)
			}
			fmt.Println(req.ID)
			return nil
		},
	}
	return cmd
}

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List waiting and active jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			ctx := context.Background()
			waiting, err := st.ListWaitingJobs(ctx)
			if err != nil {
				return err
			}
			active, err := st.ListActiveJobs(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATE\tPRIORITY\tSUBMITTED")
			for _, job := range append(waiting, active...) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					job.ID, job.Type, job.State, job.Priority, job.SubmitDate.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newRequestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "List pending requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			reqs, err := st.ListPendingRequests(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACTION\tJOB TYPE\tSUBMITTER\tSUBMITTED")
			for _, req := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					req.ID, req.Action, req.JobType, req.Submitter, req.SubmitDate.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}
