package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "toosimpleq/pkg/logx"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// openTestStores returns a fresh SQLite store and, when
// TOOSIMPLEQ_TEST_POSTGRES_DSN is set, a PostgreSQL store on that database.
func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	out := map[string]Store{}

	sq, err := Open(ctx, Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "q.db"),
		AutoMigrate: true,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	out["sqlite"] = sq

	if dsn := os.Getenv("TOOSIMPLEQ_TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := Open(ctx, Config{Driver: "postgres", DSN: dsn, AutoMigrate: true}, logx.Nop())
		require.NoError(t, err)
		raw := pg.(*sqlStore)
		_, err = raw.db.ExecContext(ctx, `TRUNCATE task_execs, schedule_execs RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func rawArgs(t *testing.T, vals ...any) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func insert(t *testing.T, s Store, nt NewTask) TaskExec {
	t.Helper()
	if nt.Created.IsZero() {
		nt.Created = base
	}
	res, err := s.InsertTask(context.Background(), nt)
	require.NoError(t, err)
	return res.Task
}

func TestInsertTaskRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		got := insert(t, s, NewTask{
			TaskName: "add",
			Queue:    "math",
			Priority: 3,
			Args:     rawArgs(t, 1, "two", []int{3}),
			Kwargs:   map[string]json.RawMessage{"scale": json.RawMessage(`2.5`)},
			Due:      base.Add(time.Minute),
		})

		require.NotZero(t, got.ID)
		assert.Equal(t, StateQueued, got.State)
		assert.Equal(t, "math", got.Queue)
		assert.Equal(t, 3, got.Priority)
		assert.Equal(t, 1, got.Attempt)
		assert.True(t, got.Due.Equal(base.Add(time.Minute)))
		assert.Nil(t, got.ReplacedBy)

		loaded, err := s.GetTask(ctx, got.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Args, 3)
		assert.JSONEq(t, `"two"`, string(loaded.Args[1]))
		assert.JSONEq(t, `[3]`, string(loaded.Args[2]))
		assert.JSONEq(t, `2.5`, string(loaded.Kwargs["scale"]))
	})
}

func TestInsertTaskDefaults(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		got := insert(t, s, NewTask{TaskName: "noop"})
		assert.Equal(t, "default", got.Queue)
		assert.True(t, got.Due.Equal(base), "due defaults to created")
		assert.Empty(t, got.Args)
		assert.Empty(t, got.Kwargs)

		_, err := s.InsertTask(context.Background(), NewTask{})
		assert.Error(t, err)
	})
}

func TestClaimOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		low := insert(t, s, NewTask{TaskName: "a", Priority: 1, Due: base})
		later := insert(t, s, NewTask{TaskName: "b", Due: base.Add(time.Second)})
		first := insert(t, s, NewTask{TaskName: "c", Due: base})
		second := insert(t, s, NewTask{TaskName: "d", Due: base})
		insert(t, s, NewTask{TaskName: "future", Due: base.Add(time.Hour)})

		now := base.Add(time.Minute)
		var got []int64
		for {
			te, err := s.ClaimNext(ctx, ClaimFilter{}, now, "w1")
			require.NoError(t, err)
			if te == nil {
				break
			}
			assert.Equal(t, StateStarted, te.State)
			assert.Equal(t, "w1", te.WorkerID)
			require.NotNil(t, te.Started)
			got = append(got, te.ID)
		}
		assert.Equal(t, []int64{first.ID, second.ID, later.ID, low.ID}, got)
	})
}

func TestClaimQueueFilter(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mail := insert(t, s, NewTask{TaskName: "send", Queue: "mail", Due: base})
		def := insert(t, s, NewTask{TaskName: "noop", Due: base})

		te, err := s.ClaimNext(ctx, ClaimFilter{Queues: []string{"reports"}}, base, "w")
		require.NoError(t, err)
		assert.Nil(t, te)

		te, err = s.ClaimNext(ctx, ClaimFilter{ExcludeQueues: []string{"default"}}, base, "w")
		require.NoError(t, err)
		require.NotNil(t, te)
		assert.Equal(t, mail.ID, te.ID)

		te, err = s.ClaimNext(ctx, ClaimFilter{Queues: []string{"default", "mail"}}, base, "w")
		require.NoError(t, err)
		require.NotNil(t, te)
		assert.Equal(t, def.ID, te.ID)
	})
}

func TestUniqueKeyReplacement(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := insert(t, s, NewTask{TaskName: "sync", UniqueKey: "k1", Due: base})
		b := insert(t, s, NewTask{TaskName: "sync", UniqueKey: "k1", Due: base})
		other := insert(t, s, NewTask{TaskName: "sync", UniqueKey: "k2", Due: base})

		res, err := s.InsertTask(ctx, NewTask{TaskName: "sync", UniqueKey: "k1", Due: base, Created: base})
		require.NoError(t, err)
		assert.Equal(t, []int64{b.ID}, res.Replaced)
		pred, ok := res.Predecessor()
		assert.True(t, ok)
		assert.Equal(t, b.ID, pred)

		ga, err := s.GetTask(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, ga.ReplacedBy)
		assert.Equal(t, b.ID, *ga.ReplacedBy, "first row keeps its original replacement")

		gb, err := s.GetTask(ctx, b.ID)
		require.NoError(t, err)
		require.NotNil(t, gb.ReplacedBy)
		assert.Equal(t, res.Task.ID, *gb.ReplacedBy)

		var claimed []int64
		for {
			te, err := s.ClaimNext(ctx, ClaimFilter{}, base, "w")
			require.NoError(t, err)
			if te == nil {
				break
			}
			claimed = append(claimed, te.ID)
		}
		assert.ElementsMatch(t, []int64{other.ID, res.Task.ID}, claimed)
	})
}

func TestUniqueKeyLeavesStartedRows(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := insert(t, s, NewTask{TaskName: "sync", UniqueKey: "k", Due: base})
		te, err := s.ClaimNext(ctx, ClaimFilter{}, base, "w")
		require.NoError(t, err)
		require.NotNil(t, te)
		require.Equal(t, a.ID, te.ID)

		res, err := s.InsertTask(ctx, NewTask{TaskName: "sync", UniqueKey: "k", Due: base, Created: base})
		require.NoError(t, err)
		assert.Empty(t, res.Replaced)

		ga, err := s.GetTask(ctx, a.ID)
		require.NoError(t, err)
		assert.Nil(t, ga.ReplacedBy)
	})
}

func TestFinishTask(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		queued := insert(t, s, NewTask{TaskName: "x", Due: base})

		err := s.FinishTask(ctx, queued.ID, StateSucceeded, []byte(`1`), base)
		assert.ErrorIs(t, err, ErrNotFound, "queued rows cannot finish")

		te, err := s.ClaimNext(ctx, ClaimFilter{}, base, "w")
		require.NoError(t, err)
		require.NotNil(t, te)

		assert.Error(t, s.FinishTask(ctx, te.ID, StateQueued, nil, base))
		require.NoError(t, s.FinishTask(ctx, te.ID, StateSucceeded, []byte(`{"n":2}`), base.Add(time.Second)))

		got, err := s.GetTask(ctx, te.ID)
		require.NoError(t, err)
		assert.Equal(t, StateSucceeded, got.State)
		assert.JSONEq(t, `{"n":2}`, string(got.Result))
		require.NotNil(t, got.Finished)
		assert.True(t, got.Finished.Equal(base.Add(time.Second)))

		err = s.FinishTask(ctx, te.ID, StateFailed, nil, base)
		assert.ErrorIs(t, err, ErrNotFound, "terminal states are final")
	})
}

func TestGetTaskNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetTask(context.Background(), 4242)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 40
		for i := 0; i < n; i++ {
			insert(t, s, NewTask{TaskName: "work", Due: base})
		}

		var (
			mu   sync.Mutex
			seen = map[int64]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					te, err := s.ClaimNext(ctx, ClaimFilter{}, base, "w")
					if IsContention(err) {
						continue
					}
					if err != nil || te == nil {
						return
					}
					mu.Lock()
					seen[te.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, c := range seen {
			assert.Equal(t, 1, c, "task %d claimed %d times", id, c)
		}
	})
}

func TestListAndCountTasks(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			insert(t, s, NewTask{TaskName: "a", Due: base.Add(time.Duration(i) * time.Second)})
		}
		insert(t, s, NewTask{TaskName: "b", Queue: "other", Due: base})
		te, err := s.ClaimNext(ctx, ClaimFilter{Queues: []string{"other"}}, base, "w")
		require.NoError(t, err)
		require.NotNil(t, te)
		require.NoError(t, s.FinishTask(ctx, te.ID, StateFailed, []byte(`{"error":"x"}`), base))

		all, err := s.ListTasks(ctx, TaskQuery{})
		require.NoError(t, err)
		assert.Len(t, all, 6)

		page, err := s.ListTasks(ctx, TaskQuery{Names: []string{"a"}, OrderBy: "due", Desc: true, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.True(t, page[0].Due.Equal(base.Add(3*time.Second)))
		assert.True(t, page[1].Due.Equal(base.Add(2*time.Second)))

		failed, err := s.ListTasks(ctx, TaskQuery{States: []State{StateFailed}, Queues: []string{"other"}})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, te.ID, failed[0].ID)

		_, err = s.ListTasks(ctx, TaskQuery{OrderBy: "args; DROP TABLE task_execs"})
		assert.Error(t, err)

		counts, err := s.CountTasks(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), counts[StateQueued])
		assert.Equal(t, int64(1), counts[StateFailed])
		assert.Equal(t, int64(0), counts[StateStarted])
	})
}

func TestCheckScheduleLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		calls := 0
		never := func(time.Time) (*NewTask, error) { calls++; return nil, nil }

		res, err := s.CheckSchedule(ctx, ScheduleCheck{Name: "nightly", Cron: "0 0 * * *", Now: base}, never)
		require.NoError(t, err)
		assert.True(t, res.Initialized)
		assert.False(t, res.Fired)
		assert.Zero(t, calls, "first evaluation does not consult the schedule")

		res, err = s.CheckSchedule(ctx, ScheduleCheck{Name: "nightly", Cron: "0 0 * * *", Now: base.Add(time.Minute)}, never)
		require.NoError(t, err)
		assert.False(t, res.Initialized)
		assert.False(t, res.Fired)
		assert.Equal(t, 1, calls)
		assert.True(t, res.Schedule.LastCheck.Equal(base.Add(time.Minute)))
		assert.Nil(t, res.Schedule.LastRun)

		var gotLastCheck time.Time
		fire := func(lastCheck time.Time) (*NewTask, error) {
			gotLastCheck = lastCheck
			return &NewTask{TaskName: "report", Due: base.Add(2 * time.Minute), Created: base.Add(2 * time.Minute)}, nil
		}
		res, err = s.CheckSchedule(ctx, ScheduleCheck{Name: "nightly", Cron: "@hourly", Now: base.Add(2 * time.Minute)}, fire)
		require.NoError(t, err)
		assert.True(t, res.Fired)
		assert.True(t, gotLastCheck.Equal(base.Add(time.Minute)))
		require.NotNil(t, res.Task)
		require.NotNil(t, res.Schedule.LastRun)
		assert.Equal(t, res.Task.ID, *res.Schedule.LastRun)

		stored, err := s.GetSchedule(ctx, "nightly")
		require.NoError(t, err)
		assert.Equal(t, "@hourly", stored.Cron)
		assert.True(t, stored.LastCheck.Equal(base.Add(2*time.Minute)))
		require.NotNil(t, stored.LastRun)
		assert.Equal(t, res.Task.ID, *stored.LastRun)

		all, err := s.ListSchedules(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "nightly", all[0].Name)
	})
}

func TestCheckScheduleRollsBackOnError(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CheckSchedule(ctx, ScheduleCheck{Name: "s", Cron: "* * * * *", Now: base}, nil)
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.CheckSchedule(ctx, ScheduleCheck{Name: "s", Cron: "* * * * *", Now: base.Add(time.Hour)},
			func(time.Time) (*NewTask, error) { return nil, boom })
		require.ErrorIs(t, err, boom)

		stored, err := s.GetSchedule(ctx, "s")
		require.NoError(t, err)
		assert.True(t, stored.LastCheck.Equal(base), "last_check unchanged after a failed evaluation")

		_, err = s.GetSchedule(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMigrationStatus(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		st, err := s.MigrationStatus(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, st)
		for _, m := range st {
			assert.True(t, m.Applied, "migration %d applied", m.Version)
		}

		again, err := s.Migrate(ctx)
		require.NoError(t, err)
		assert.Empty(t, again, "nothing pending")
	})
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	_, err := Open(context.Background(), Config{}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}
