package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"vigilo/internal/report"

	bolt "go.etcd.io/bbolt"
)

// TaskStore provides report task storage backed by BoltDB. UpdateTask runs
// read-mutate-write in one update transaction, which is the atomic
// check-and-transition the dispatcher and the admin reject race through.
type TaskStore struct {
	db *bolt.DB
}

var _ report.Store = (*TaskStore)(nil)

// taskUserKey orders a user's tasks by creation time.
func taskUserKey(userID int64, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%d:%020d:%s", userID, createdAt.UnixNano(), id))
}

func taskStateKey(state report.TaskState, id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", state, id))
}

// CreateTask stores a new task and its index entries.
func (s *TaskStore) CreateTask(ctx context.Context, task report.ReportTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(BucketTasks)
		if tasks == nil {
			return fmt.Errorf("bucket not found: %s", BucketTasks)
		}

		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := tasks.Put([]byte(task.ID), data); err != nil {
			return err
		}

		userIndex := tx.Bucket(BucketTaskUserIndex)
		if userIndex == nil {
			return fmt.Errorf("bucket not found: %s", BucketTaskUserIndex)
		}
		if err := userIndex.Put(taskUserKey(task.UserID, task.CreatedAt, task.ID), []byte(task.ID)); err != nil {
			return err
		}

		stateIndex := tx.Bucket(BucketTaskStateIndex)
		if stateIndex == nil {
			return fmt.Errorf("bucket not found: %s", BucketTaskStateIndex)
		}
		return stateIndex.Put(taskStateKey(task.State, task.ID), []byte(task.ID))
	})
}

// GetTask returns a task or nil if not found.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*report.ReportTask, error) {
	var task *report.ReportTask

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(BucketTasks)
		if bucket == nil {
			return nil
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		var t report.ReportTask
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
		task = &t
		return nil
	})

	return task, err
}

// UpdateTask applies mutate to the stored task atomically. A mutate error
// aborts the transaction, leaving the task and its indexes untouched. The
// state index entry moves when the state changes.
func (s *TaskStore) UpdateTask(ctx context.Context, id string, mutate func(*report.ReportTask) error) (*report.ReportTask, error) {
	var updated report.ReportTask

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(BucketTasks)
		if tasks == nil {
			return fmt.Errorf("bucket not found: %s", BucketTasks)
		}

		data := tasks.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, report.ErrTaskNotFound)
		}

		var task report.ReportTask
		if err := json.Unmarshal(data, &task); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
		prevState := task.State

		if err := mutate(&task); err != nil {
			return err
		}

		out, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := tasks.Put([]byte(id), out); err != nil {
			return err
		}

		if task.State != prevState {
			stateIndex := tx.Bucket(BucketTaskStateIndex)
			if stateIndex == nil {
				return fmt.Errorf("bucket not found: %s", BucketTaskStateIndex)
			}
			if err := stateIndex.Delete(taskStateKey(prevState, id)); err != nil {
				return err
			}
			if err := stateIndex.Put(taskStateKey(task.State, id), []byte(id)); err != nil {
				return err
			}
		}

		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// ListTasksByUser returns a user's tasks, newest first.
func (s *TaskStore) ListTasksByUser(ctx context.Context, userID int64, limit, offset int) ([]report.ReportTask, error) {
	var tasks []report.ReportTask

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(BucketTaskUserIndex)
		if index == nil {
			return nil
		}
		bucket := tx.Bucket(BucketTasks)
		if bucket == nil {
			return nil
		}

		cursor := index.Cursor()
		prefix := []byte(fmt.Sprintf("%d:", userID))

		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			// v is the task ID
			data := bucket.Get(v)
			if data == nil {
				continue
			}

			var t report.ReportTask
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Index order is oldest first.
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}

	if offset > 0 {
		if offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// ListTasksByState returns tasks in the given state in submission order.
func (s *TaskStore) ListTasksByState(ctx context.Context, state report.TaskState, limit int) ([]report.ReportTask, error) {
	var tasks []report.ReportTask

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(BucketTaskStateIndex)
		if index == nil {
			return nil
		}
		bucket := tx.Bucket(BucketTasks)
		if bucket == nil {
			return nil
		}

		cursor := index.Cursor()
		prefix := []byte(string(state) + ":")

		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			data := bucket.Get(v)
			if data == nil {
				continue
			}

			var t report.ReportTask
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// State index keys carry no time component, so order by creation here.
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// CountTasksByUserSince returns how many tasks a user created after the
// given time. Creation time is read from the index key, so no task records
// are loaded.
func (s *TaskStore) CountTasksByUserSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(BucketTaskUserIndex)
		if index == nil {
			return nil
		}

		cursor := index.Cursor()
		prefix := []byte(fmt.Sprintf("%d:", userID))

		start := prefix
		if nanos := since.UnixNano(); nanos > 0 {
			start = []byte(fmt.Sprintf("%d:%020d", userID, nanos))
		}

		for k, _ := cursor.Seek(start); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
			count++
		}
		return nil
	})

	return count, err
}

// CountTasksByState returns the number of tasks per state.
func (s *TaskStore) CountTasksByState(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)

	err := s.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(BucketTaskStateIndex)
		if index == nil {
			return nil
		}

		return index.ForEach(func(k, v []byte) error {
			state, _, ok := strings.Cut(string(k), ":")
			if ok {
				counts[state]++
			}
			return nil
		})
	})

	return counts, err
}
