package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const scheduleColumns = `name, cron, last_check, last_run`

// CheckSchedule evaluates one schedule inside a single transaction.
//
// The first evaluation of a name only records last_check. Later evaluations
// hand the stored last_check to due; when it returns a task the task is
// inserted and last_run is set in the same transaction, so concurrent
// checkers of the same name can never both fire one slot. last_check always
// advances to c.Now.
//
// due runs while the transaction is open and must not use the store.
func (s *sqlStore) CheckSchedule(ctx context.Context, c ScheduleCheck, due DueFunc) (ScheduleResult, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return ScheduleResult{}, fmt.Errorf("check schedule: name is required")
	}
	now := c.Now.UnixMicro()

	var out ScheduleResult
	err := s.runInTx(ctx, "check schedule "+name, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.rebind(
			`INSERT INTO schedule_execs (name, cron, last_check) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`),
			name, c.Cron, now,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 1 {
			out.Initialized = true
			out.Schedule = ScheduleExec{Name: name, Cron: c.Cron, LastCheck: fromMicros(now)}
			return nil
		}

		se, err := scanSchedule(tx.QueryRowContext(ctx, s.d.rebind(
			`SELECT `+scheduleColumns+` FROM schedule_execs WHERE name = ?`+s.d.rowLock), name))
		if err != nil {
			return err
		}

		var task *NewTask
		if due != nil {
			if task, err = due(se.LastCheck); err != nil {
				return err
			}
		}

		lastCheck := max(se.LastCheck.UnixMicro(), now)
		se.Cron = c.Cron
		se.LastCheck = fromMicros(lastCheck)

		if task == nil {
			_, err := tx.ExecContext(ctx, s.d.rebind(
				`UPDATE schedule_execs SET cron = ?, last_check = ? WHERE name = ?`),
				c.Cron, lastCheck, name,
			)
			out.Schedule = se
			return err
		}

		ins, err := s.insertTaskTx(ctx, tx, *task)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.d.rebind(
			`UPDATE schedule_execs SET cron = ?, last_check = ?, last_run = ? WHERE name = ?`),
			c.Cron, lastCheck, ins.Task.ID, name,
		); err != nil {
			return err
		}
		id := ins.Task.ID
		se.LastRun = &id
		out.Schedule = se
		out.Fired = true
		out.Task = &ins.Task
		out.Replaced = ins.Replaced
		return nil
	})
	if err != nil {
		return ScheduleResult{}, err
	}
	return out, nil
}

func (s *sqlStore) GetSchedule(ctx context.Context, name string) (ScheduleExec, error) {
	se, err := scanSchedule(s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+scheduleColumns+` FROM schedule_execs WHERE name = ?`), name))
	if err != nil {
		return ScheduleExec{}, MapError("get schedule "+name, err)
	}
	return se, nil
}

func (s *sqlStore) ListSchedules(ctx context.Context) ([]ScheduleExec, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedule_execs ORDER BY name`)
	if err != nil {
		return nil, MapError("list schedules", err)
	}
	defer rows.Close()

	var out []ScheduleExec
	for rows.Next() {
		se, err := scanSchedule(rows)
		if err != nil {
			return nil, MapError("list schedules", err)
		}
		out = append(out, se)
	}
	return out, MapError("list schedules", rows.Err())
}

func scanSchedule(r rowScanner) (ScheduleExec, error) {
	var (
		se        ScheduleExec
		lastCheck int64
		lastRun   sql.NullInt64
	)
	if err := r.Scan(&se.Name, &se.Cron, &lastCheck, &lastRun); err != nil {
		return ScheduleExec{}, err
	}
	se.LastCheck = fromMicros(lastCheck)
	se.LastRun = int64Ptr(lastRun)
	return se, nil
}
