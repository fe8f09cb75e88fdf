package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status of an execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Execution is the record of one run of a Definition.
type Execution struct {
	ID      string
	Machine string
	Status  Status
	Input   json.RawMessage
	Output  json.RawMessage
	Error   string
	// FailedState is the state that was running when the execution stopped
	// unsuccessfully.
	FailedState string
	Steps       []string
	StartedAt   time.Time
	StoppedAt   time.Time
}

// History stores execution records.
type History interface {
	Save(ctx context.Context, exec *Execution) error
}

type multiHistory []History

func (m multiHistory) Save(ctx context.Context, exec *Execution) error {
	var errs []error
	for _, h := range m {
		if err := h.Save(ctx, exec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Histories fans a record out to every history.
func Histories(h ...History) History {
	return multiHistory(h)
}

// Engine executes definitions.
type Engine struct {
	history History
	log     *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates an engine. history may be nil.
func NewEngine(history History, log *logrus.Logger, m *metrics.Metrics) *Engine {
	return &Engine{history: history, log: log, metrics: m, now: time.Now}
}

// Run executes def to completion or timeout. The returned execution is never
// nil; err is set when the execution did not succeed.
func (e *Engine) Run(ctx context.Context, def Definition, input []byte) (*Execution, error) {
	if len(input) == 0 {
		input = []byte("{}")
	}
	exec := &Execution{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Machine:   def.Name,
		Status:    StatusRunning,
		Input:     json.RawMessage(input),
		StartedAt: e.now().UTC(),
	}
	log := e.log.WithFields(logrus.Fields{"machine": def.Name, "execution": exec.ID})

	if err := def.Validate(); err != nil {
		return e.finish(ctx, exec, "", StatusFailed, nil, err)
	}

	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	log.Info("Workflow execution started")
	e.save(ctx, exec)

	doc := input
	current := def.StartAt
	for {
		if err := runCtx.Err(); err != nil {
			return e.finish(ctx, exec, current, statusFor(err), doc, err)
		}
		state := def.States[current]
		exec.Steps = append(exec.Steps, current)
		log.WithField("state", current).Debug("Entering state")

		next, out, err := e.step(runCtx, state, doc)
		if err != nil {
			if runCtx.Err() != nil {
				err = fmt.Errorf("%w: %v", runCtx.Err(), err)
				return e.finish(ctx, exec, current, statusFor(runCtx.Err()), doc, err)
			}
			return e.finish(ctx, exec, current, StatusFailed, doc, err)
		}
		doc = out
		if next == "" {
			return e.finish(ctx, exec, "", StatusSucceeded, doc, nil)
		}
		current = next
	}
}

func statusFor(err error) Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimedOut
	}
	return StatusFailed
}

// step runs one state and returns the next state name ("" at the end).
func (e *Engine) step(ctx context.Context, s State, doc []byte) (string, []byte, error) {
	next := s.Next
	if s.End {
		next = ""
	}
	switch s.Type {
	case TypeTask:
		in, err := selectInput(doc, s.InputPath)
		if err != nil {
			return "", nil, err
		}
		result, err := s.Task(ctx, in)
		if err != nil {
			return "", nil, err
		}
		out, err := applyResult(doc, s.ResultPath, result)
		if err != nil {
			return "", nil, err
		}
		return next, out, nil
	case TypePass:
		if s.Result == nil {
			return next, doc, nil
		}
		out, err := applyResult(doc, s.ResultPath, s.Result)
		if err != nil {
			return "", nil, err
		}
		return next, out, nil
	case TypeChoice:
		target, err := choose(doc, s)
		if err != nil {
			return "", nil, err
		}
		return target, doc, nil
	}
	return "", nil, fmt.Errorf("unknown state type %q", s.Type)
}

func (e *Engine) finish(ctx context.Context, exec *Execution, state string, status Status, doc []byte, cause error) (*Execution, error) {
	exec.Status = status
	exec.StoppedAt = e.now().UTC()
	if status == StatusSucceeded {
		exec.Output = json.RawMessage(doc)
	} else {
		exec.FailedState = state
		if cause != nil {
			exec.Error = cause.Error()
		}
	}
	e.metrics.WorkflowExecutionsTotal.WithLabelValues(exec.Machine, string(status)).Inc()
	e.metrics.WorkflowExecutionDuration.WithLabelValues(exec.Machine).Observe(exec.StoppedAt.Sub(exec.StartedAt).Seconds())
	e.save(ctx, exec)

	log := e.log.WithFields(logrus.Fields{
		"machine":   exec.Machine,
		"execution": exec.ID,
		"status":    status,
		"steps":     exec.Steps,
	})
	if status != StatusSucceeded {
		log.WithField("state", state).WithError(cause).Error("Workflow execution failed")
		return exec, fmt.Errorf("execution %s %s in state %s: %w", exec.ID, status, state, cause)
	}
	log.Info("Workflow execution succeeded")
	return exec, nil
}

// save records the execution even when ctx is already done.
func (e *Engine) save(ctx context.Context, exec *Execution) {
	if e.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.history.Save(ctx, exec); err != nil {
		e.log.WithError(err).WithField("execution", exec.ID).Warn("Failed to save workflow execution")
	}
}
