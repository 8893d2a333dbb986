package fleet

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextWorkerStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current WorkerStatus
		event   WorkerEvent
		want    WorkerStatus
		wantErr error
	}{
		{"connect from disconnected", WorkerDisconnected, EventConnect, WorkerConnected, nil},
		{"idle heartbeat from busy", WorkerBusy, EventHeartbeatIdle, WorkerConnected, nil},
		{"busy heartbeat", WorkerConnected, EventHeartbeatBusy, WorkerBusy, nil},
		{"blocked self report", WorkerBusy, EventHeartbeatBlocked, WorkerBlocked, nil},
		{"assign connected", WorkerConnected, EventAssign, WorkerBusy, nil},
		{"assign busy rejected", WorkerBusy, EventAssign, WorkerBusy, ErrInvalidTransition},
		{"assign blocked rejected", WorkerBlocked, EventAssign, WorkerBlocked, ErrInvalidTransition},
		{"assign disconnected rejected", WorkerDisconnected, EventAssign, WorkerDisconnected, ErrInvalidTransition},
		{"outcome frees worker", WorkerBusy, EventOutcome, WorkerConnected, nil},
		{"timeout connected", WorkerConnected, EventTimeout, WorkerDisconnected, nil},
		{"timeout busy", WorkerBusy, EventTimeout, WorkerDisconnected, nil},
		{"timeout blocked ignored", WorkerBlocked, EventTimeout, WorkerBlocked, ErrInvalidTransition},
		{"reset from anything", WorkerBlocked, EventReset, WorkerDisconnected, nil},
		{"disconnect", WorkerBusy, EventDisconnect, WorkerDisconnected, nil},
		{"unknown event", WorkerConnected, WorkerEvent("bogus"), WorkerConnected, ErrInvalidTransition},
		{"unknown status", WorkerStatus("ZOMBIE"), EventConnect, WorkerStatus("ZOMBIE"), ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextWorkerStatus(tt.current, tt.event)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTaskAssignRequiresPending(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0).UTC()
	task := Task{ID: "t1", Status: TaskPending}
	require.NoError(t, task.Assign("w1", now))
	require.Equal(t, TaskInProgress, task.Status)
	require.Equal(t, "w1", task.AssignedWorkerID)
	require.Equal(t, now, *task.StartedAt)

	err := task.Assign("w2", now)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, "w1", task.AssignedWorkerID)

	require.ErrorIs(t, (&Task{Status: TaskPending}).Assign("", now), ErrValidation)
}

func TestTaskFailEscalatesAtMaxAttempts(t *testing.T) {
	t.Parallel()

	now := time.Unix(200, 0).UTC()
	task := Task{ID: "t1", Status: TaskPending, MaxAttempts: 3}

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, task.Assign("w1", now))
		require.NoError(t, task.Fail("w1", ErrorNetwork, "connection reset", now))
		require.Empty(t, task.AssignedWorkerID)
		require.Equal(t, attempt, task.AttemptCount)
		require.LessOrEqual(t, task.AttemptCount, task.MaxAttempts)
		if attempt < 3 {
			require.Equal(t, TaskPending, task.Status)
			require.Nil(t, task.CompletedAt)
		}
	}
	require.Equal(t, TaskPermanentlyFailed, task.Status)
	require.Equal(t, ErrorNetwork, task.LastErrorType)
	require.Equal(t, "connection reset", task.LastError)
	require.NotNil(t, task.CompletedAt)

	// Terminal tasks never loop back into the pool on their own.
	require.ErrorIs(t, task.Assign("w1", now), ErrConflict)
	require.ErrorIs(t, task.Fail("w1", ErrorNetwork, "again", now), ErrConflict)
}

func TestTaskFailDefaultsMaxAttempts(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Status: TaskInProgress, AssignedWorkerID: "w1", AttemptCount: DefaultMaxAttempts - 1}
	require.NoError(t, task.Fail("w1", ErrorTimeout, "slow", time.Now()))
	require.Equal(t, TaskPermanentlyFailed, task.Status)
}

func TestTaskFailRejectsOtherWorker(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Status: TaskInProgress, AssignedWorkerID: "w1", MaxAttempts: 3}
	err := task.Fail("w2", ErrorCaptcha, "captcha", time.Now())
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, 0, task.AttemptCount)
	require.Equal(t, "w1", task.AssignedWorkerID)
}

func TestTaskComplete(t *testing.T) {
	t.Parallel()

	now := time.Unix(300, 0).UTC()

	active := Task{ID: "t1", Status: TaskInProgress, AssignedWorkerID: "w1", LastError: "old"}
	require.NoError(t, active.Complete("w1", []byte(`{"scrapeDurationMs":10}`), now))
	require.Equal(t, TaskCompleted, active.Status)
	require.Empty(t, active.AssignedWorkerID)
	require.Empty(t, active.LastError)
	require.JSONEq(t, `{"scrapeDurationMs":10}`, string(active.Result))

	released := Task{ID: "t2", Status: TaskPending}
	require.NoError(t, released.Complete("w1", nil, now))

	other := Task{ID: "t3", Status: TaskInProgress, AssignedWorkerID: "w2"}
	require.ErrorIs(t, other.Complete("w1", nil, now), ErrConflict)

	done := Task{ID: "t4", Status: TaskCompleted}
	require.ErrorIs(t, done.Complete("w1", nil, now), ErrConflict)
}

func TestTaskRetry(t *testing.T) {
	t.Parallel()

	now := time.Unix(400, 0).UTC()
	completed := now.Add(-time.Minute)
	task := Task{
		ID:            "t1",
		Status:        TaskPermanentlyFailed,
		AttemptCount:  3,
		MaxAttempts:   3,
		LastError:     "blocked",
		LastErrorType: ErrorBlocked,
		CompletedAt:   &completed,
	}
	require.NoError(t, task.Retry(now))
	require.Equal(t, TaskPending, task.Status)
	require.Zero(t, task.AttemptCount)
	require.Empty(t, task.LastError)
	require.Empty(t, task.LastErrorType)
	require.Nil(t, task.CompletedAt)

	active := Task{ID: "t2", Status: TaskInProgress, AssignedWorkerID: "w1"}
	require.ErrorIs(t, active.Retry(now), ErrConflict)
}

func TestTaskRelease(t *testing.T) {
	t.Parallel()

	task := Task{ID: "t1", Status: TaskInProgress, AssignedWorkerID: "w1", AttemptCount: 1}
	require.NoError(t, task.Release(time.Now()))
	require.Equal(t, TaskPending, task.Status)
	require.Empty(t, task.AssignedWorkerID)
	require.Equal(t, 1, task.AttemptCount)

	require.ErrorIs(t, task.Release(time.Now()), ErrConflict)
}

func TestTaskValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Task{URL: "https://shop.example.com/p/1"}.Validate())
	for _, bad := range []Task{
		{},
		{URL: "not a url"},
		{URL: "ftp://example.com/file"},
		{URL: "https://example.com", MaxAttempts: -1},
	} {
		err := bad.Validate()
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrValidation), "expected validation error for %+v", bad)
	}
}

func TestErrorTypeValid(t *testing.T) {
	t.Parallel()

	for _, typ := range []ErrorType{ErrorCaptcha, ErrorBlocked, ErrorThrottled, ErrorNetwork, ErrorParse, ErrorTimeout} {
		require.True(t, typ.Valid(), typ)
	}
	require.False(t, ErrorType("SEGFAULT").Valid())
}

func TestWorkerStale(t *testing.T) {
	t.Parallel()

	cutoff := time.Unix(1000, 0).UTC()
	old := cutoff.Add(-time.Nanosecond)
	exact := cutoff

	require.True(t, Worker{Status: WorkerConnected, LastHeartbeat: &old}.Stale(cutoff))
	require.True(t, Worker{Status: WorkerBusy, UpdatedAt: old}.Stale(cutoff))
	require.False(t, Worker{Status: WorkerBusy, UpdatedAt: cutoff.Add(time.Second)}.Stale(cutoff))
	require.False(t, Worker{Status: WorkerConnected, LastHeartbeat: &exact, UpdatedAt: old}.Stale(cutoff))
	require.False(t, Worker{Status: WorkerConnected, LastHeartbeat: &exact}.Stale(cutoff))
	require.False(t, Worker{Status: WorkerBlocked, LastHeartbeat: &old}.Stale(cutoff))
	require.False(t, Worker{Status: WorkerDisconnected, LastHeartbeat: &old}.Stale(cutoff))
}
