package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Dan9191/loans-finder/internal/metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHistory struct {
	mu    sync.Mutex
	saves []Execution
}

func (h *memHistory) Save(ctx context.Context, exec *Execution) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saves = append(h.saves, *exec)
	return nil
}

func newEngine(h History) *Engine {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewEngine(h, log, metrics.NewNop())
}

// fakeJob finishes after a fixed number of polls.
type fakeJob struct {
	mu      sync.Mutex
	started []string
	polls   int
	doneAt  int
	fail    bool
}

func (j *fakeJob) Start(ctx context.Context, input []byte) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, string(input))
	return "job-1", nil
}

func (j *fakeJob) Status(ctx context.Context, id string) (JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.polls++
	if j.polls < j.doneAt {
		return JobStatus{}, nil
	}
	if j.fail {
		return JobStatus{Done: true, Failed: true, Error: "table already exists"}, nil
	}
	return JobStatus{Done: true, Output: []byte(`{"rows":3}`)}, nil
}

func branchingDefinition(job Job) Definition {
	return Definition{
		Name:    "test",
		StartAt: "Generate",
		Timeout: time.Second,
		States: map[string]State{
			"Generate": {
				Type: TypeTask,
				Task: func(ctx context.Context, input []byte) ([]byte, error) {
					return []byte(`{"newTableName":"t2","oldTableName":"t1","oldTableExists":true}`), nil
				},
				Next: "Create",
			},
			"Create": {
				Type:       TypeTask,
				Task:       RunJob(job, time.Millisecond),
				InputPath:  "$.newTableName",
				ResultPath: "$.create",
				Next:       "Exists",
			},
			"Exists": {
				Type:    TypeChoice,
				Choices: []ChoiceRule{{Variable: "$.oldTableExists", BooleanEquals: true, Next: "Drop"}},
				Default: "Ignore",
			},
			"Drop": {
				Type:       TypeTask,
				Task:       func(ctx context.Context, input []byte) ([]byte, error) { return []byte(`"dropped"`), nil },
				ResultPath: ResultDiscard,
				End:        true,
			},
			"Ignore": {Type: TypePass, End: true},
		},
	}
}

func TestEngine_RunBranches(t *testing.T) {
	h := &memHistory{}
	job := &fakeJob{doneAt: 3}
	exec, err := newEngine(h).Run(context.Background(), branchingDefinition(job), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, []string{"Generate", "Create", "Exists", "Drop"}, exec.Steps)
	assert.JSONEq(t, `{"newTableName":"t2","oldTableName":"t1","oldTableExists":true,"create":{"rows":3}}`, string(exec.Output))
	assert.Equal(t, []string{`"t2"`}, job.started)
	assert.Equal(t, 3, job.polls)

	require.Len(t, h.saves, 2)
	assert.Equal(t, StatusRunning, h.saves[0].Status)
	assert.Equal(t, StatusSucceeded, h.saves[1].Status)
}

func TestEngine_ChoiceDefault(t *testing.T) {
	def := branchingDefinition(&fakeJob{})
	gen := def.States["Generate"]
	gen.Task = func(ctx context.Context, input []byte) ([]byte, error) {
		return []byte(`{"newTableName":"t1","oldTableExists":false}`), nil
	}
	def.States["Generate"] = gen

	exec, err := newEngine(nil).Run(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Generate", "Create", "Exists", "Ignore"}, exec.Steps)
}

func TestEngine_JobFailureAborts(t *testing.T) {
	exec, err := newEngine(nil).Run(context.Background(), branchingDefinition(&fakeJob{fail: true}), nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, "Create", exec.FailedState)
	assert.Contains(t, exec.Error, "table already exists")
	assert.Equal(t, []string{"Generate", "Create"}, exec.Steps)
}

func TestEngine_Timeout(t *testing.T) {
	def := branchingDefinition(&fakeJob{doneAt: 1 << 30})
	def.Timeout = 20 * time.Millisecond

	exec, err := newEngine(nil).Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StatusTimedOut, exec.Status)
	assert.Equal(t, "Create", exec.FailedState)
}

func TestEngine_InvalidDefinition(t *testing.T) {
	def := Definition{Name: "bad", StartAt: "A", States: map[string]State{
		"A": {Type: TypePass, Next: "missing"},
	}}
	exec, err := newEngine(nil).Run(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
}

func TestFormat(t *testing.T) {
	doc := []byte(`{"newTableName":"products_ab","oldTableName":"products_cd"}`)

	got, err := Format(`CREATE OR REPLACE VIEW products AS SELECT * FROM "{}"`, doc, "$.newTableName")
	require.NoError(t, err)
	assert.Equal(t, `CREATE OR REPLACE VIEW products AS SELECT * FROM "products_ab"`, got)

	got, err = Format(`{} -> {}`, doc, "$.oldTableName", "$.newTableName")
	require.NoError(t, err)
	assert.Equal(t, `products_cd -> products_ab`, got)

	_, err = Format(`DROP TABLE "{}"`, doc, "$.missing")
	assert.Error(t, err)
	_, err = Format(`{} {}`, doc, "$.newTableName")
	assert.Error(t, err)
}

func TestHistories(t *testing.T) {
	a, b := &memHistory{}, &memHistory{}
	require.NoError(t, Histories(a, b).Save(context.Background(), &Execution{ID: "x"}))
	assert.Len(t, a.saves, 1)
	assert.Len(t, b.saves, 1)
}

func TestRunJob_NonPositiveInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		job := &fakeJob{doneAt: 1}
		out, err := RunJob(job, interval)(context.Background(), []byte(`{}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"rows":3}`, string(out))
	}
}
