package queue

import (
	"context"

	"github.com/google/uuid"
)

// TaskTypeEvaluateBoard runs one recovery engine pass for a board
const TaskTypeEvaluateBoard = "recovery.evaluate_board"

// EvaluateBoardRequest is the decoded payload of a TaskTypeEvaluateBoard job
type EvaluateBoardRequest struct {
	OrganizationID uuid.UUID
	BoardID        uuid.UUID
	Force          bool
}

// NewEvaluateBoardJob builds a job asking the worker to evaluate a board
func NewEvaluateBoardJob(organizationID, boardID uuid.UUID, force bool) *Job {
	return NewJob(TaskTypeEvaluateBoard, map[string]interface{}{
		"organization_id": organizationID.String(),
		"board_id":        boardID.String(),
		"force":           force,
	})
}

// DecodeEvaluateBoard reads an evaluate-board payload
func DecodeEvaluateBoard(job *Job) (EvaluateBoardRequest, error) {
	orgID, err := job.UUID("organization_id")
	if err != nil {
		return EvaluateBoardRequest{}, err
	}
	boardID, err := job.UUID("board_id")
	if err != nil {
		return EvaluateBoardRequest{}, err
	}
	return EvaluateBoardRequest{OrganizationID: orgID, BoardID: boardID, Force: job.Bool("force")}, nil
}

// Enqueuer schedules asynchronous recovery runs on a queue
type Enqueuer struct {
	queue       *Queue
	maxAttempts int
}

// NewEnqueuer creates an enqueuer giving each job maxAttempts runs
func NewEnqueuer(queue *Queue, maxAttempts int) *Enqueuer {
	return &Enqueuer{queue: queue, maxAttempts: maxAttempts}
}

// EnqueueEvaluateBoard enqueues a board evaluation and returns the job ID
func (e *Enqueuer) EnqueueEvaluateBoard(ctx context.Context, organizationID, boardID uuid.UUID, force bool) (string, error) {
	job := NewEvaluateBoardJob(organizationID, boardID, force).WithMaxAttempts(e.maxAttempts)
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}
