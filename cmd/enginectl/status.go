package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/pkg/server"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a build job record",
		Long: `Status prints the stored record of a build job as JSON: its state,
counters, manifest and failure details if any.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return faults.New(faults.Validation, "exactly one job id is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0])
		},
	}
}

func runStatus(cmd *cobra.Command, jobID string) error {
	ctx := cmd.Context()

	srv, err := server.New(ctx)
	if err != nil {
		return err
	}
	defer shutdownServer(srv)

	job, err := srv.Store.GetJob(ctx, jobID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return faults.Errorf(faults.NotFound, "job %s not found", jobID)
		}
		return faults.Wrap(faults.Internal, "load job", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}
