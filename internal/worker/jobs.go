package worker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// Jobs wraps the river client as the enqueue surface the rest of the code
// depends on. Implements recompute.Enqueuer.
type Jobs struct {
	client *river.Client[pgx.Tx]
}

func NewJobs(client *river.Client[pgx.Tx]) *Jobs {
	return &Jobs{client: client}
}

func (j *Jobs) EnqueueRecompute(ctx context.Context, subjectID string) error {
	if _, err := j.client.Insert(ctx, RecomputeArgs{SubjectID: subjectID}, nil); err != nil {
		return fmt.Errorf("enqueue recompute for %s: %w", subjectID, err)
	}
	return nil
}

// Server adapts the river client to the infrastructure.Server lifecycle.
type Server struct {
	client *river.Client[pgx.Tx]
}

func NewServer(client *river.Client[pgx.Tx]) *Server {
	return &Server{client: client}
}

// Start launches the queue workers and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.client.Stop(ctx)
}
