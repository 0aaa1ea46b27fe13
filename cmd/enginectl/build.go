package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/groundplane/groundplane/internal/build"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/models"
	"github.com/groundplane/groundplane/pkg/server"
)

const (
	pollEvery   = 2 * time.Second
	eventWindow = 200
)

func newBuildCmd() *cobra.Command {
	var params models.BuildParams

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run an engine build and wait for it to finish",
		Long: `Build ingests a source end to end: crawl or list the source, normalize
and chunk every document, embed the chunks and upsert the vectors.

The command blocks until the job reaches a terminal state and exits
non-zero when the build fails: 2 invalid arguments, 3 source
unreachable, 4 embedding failure, 5 vector-store failure, 1 anything
else. Reusing the name of an engine whose last build failed resumes
from the sources that already completed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), cmd, &params)
		},
	}

	cmd.Flags().StringVar(&params.SourceURL, "source-url", "", "Source to ingest (https://, smb:// or bucket URL)")
	cmd.Flags().StringVar(&params.EngineName, "name", "", "Engine name")
	cmd.Flags().StringVar(&params.EmbeddingModel, "model", "", "Embedding model, e.g. text-embedding-3-small")
	cmd.Flags().StringVar(&params.VectorStore, "vector-store", "", "Vector store backend (default from VECTOR_STORE_DEFAULT)")
	cmd.Flags().IntVar(&params.Depth, "depth", 0, "Crawl depth for web sources (0 = configured default)")
	cmd.Flags().StringVar(&params.Description, "description", "", "Engine description")
	cmd.Flags().BoolVar(&params.Multimodal, "multimodal", false, "Embed images alongside text (multimodal models only)")

	return cmd
}

func runBuild(ctx context.Context, cmd *cobra.Command, params *models.BuildParams) error {
	var missing []string
	if strings.TrimSpace(params.SourceURL) == "" {
		missing = append(missing, "--source-url")
	}
	if strings.TrimSpace(params.EngineName) == "" {
		missing = append(missing, "--name")
	}
	if strings.TrimSpace(params.EmbeddingModel) == "" {
		missing = append(missing, "--model")
	}
	if len(missing) > 0 {
		return faults.Errorf(faults.Validation, "%s required", strings.Join(missing, ", "))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx)
	if err != nil {
		return err
	}
	defer shutdownServer(srv)

	job, err := srv.Builds.StartBuild(ctx, params)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "job %s started (engine %s)\n", job.ID, job.EngineID)

	return waitForJob(ctx, srv, job.ID, out)
}

// waitForJob polls the job record until it reaches a terminal state,
// streaming pipeline events as they appear. An interrupt cancels the
// build rather than orphaning it.
func waitForJob(ctx context.Context, srv *server.Server, jobID string, out io.Writer) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	var lastSeen time.Time
	for {
		select {
		case <-ctx.Done():
			_ = srv.Builds.CancelBuild(jobID)
			fmt.Fprintln(out, "interrupted; build cancelled")
			return faults.New(faults.Internal, "build interrupted")
		case <-ticker.C:
		}

		lastSeen = printNewEvents(out, srv.Builds.RecentLog(jobID, eventWindow), lastSeen)

		job, err := srv.Store.GetJob(ctx, jobID)
		if err != nil {
			return faults.Wrap(faults.Internal, "poll job", err)
		}
		if !job.Status.Terminal() {
			continue
		}

		printNewEvents(out, srv.Builds.RecentLog(jobID, eventWindow), lastSeen)
		return finish(out, job)
	}
}

// printNewEvents writes events newer than after and returns the newest
// timestamp printed.
func printNewEvents(out io.Writer, events []build.Event, after time.Time) time.Time {
	last := after
	for _, e := range events {
		if !e.Timestamp.After(after) {
			continue
		}
		fmt.Fprintf(out, "%s  %-5s %s\n", e.Timestamp.Format("15:04:05"), strings.ToUpper(e.Level), e.Message)
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last
}

func finish(out io.Writer, job *models.BuildJob) error {
	switch job.Status {
	case models.JobSucceeded:
		fmt.Fprintf(out, "build succeeded: %d sources, %d chunks, %d vectors\n",
			job.SourcesSeen, job.ChunksTotal, job.VectorsSaved)
		return nil
	case models.JobCancelled:
		return faults.New(faults.Internal, "build cancelled")
	default:
		// Rebuild the classified failure so the exit code survives the
		// round trip through the job record.
		code := faults.Code(job.ErrorCode)
		if code == "" {
			code = faults.Internal
		}
		msg := job.Error
		if msg == "" {
			msg = "build failed"
		}
		return faults.New(code, msg)
	}
}

func shutdownServer(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.ShutdownFunc(ctx)
}
