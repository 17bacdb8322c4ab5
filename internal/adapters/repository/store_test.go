package repository_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/okian/formlab/internal/adapters/repository"
	"github.com/okian/formlab/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(id string, offset time.Duration) *model.Task {
	return &model.Task{
		ID:        id,
		Status:    model.StatusInitializing,
		Config:    model.TrainingConfig{Architecture: "basic", Epochs: 2, BatchSize: 4, LearningRate: 0.001},
		CreatedAt: base.Add(offset),
		UpdatedAt: base.Add(offset),
	}
}

type factory func(t *testing.T, opts ...repository.Option) repository.TaskStore

func stores() map[string]factory {
	return map[string]factory{
		"memory": func(_ *testing.T, opts ...repository.Option) repository.TaskStore {
			return repository.NewMemoryTaskStore(opts...)
		},
		"sqlite": func(t *testing.T, opts ...repository.Option) repository.TaskStore {
			s, err := repository.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), opts...)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return s
		},
	}
}

func TestTaskStores(t *testing.T) {
	for name, open := range stores() {
		Convey(fmt.Sprintf("Given a %s task store", name), t, func() {
			ctx := context.Background()
			store := open(t, repository.WithClock(func() time.Time { return base.Add(time.Hour) }))
			defer func() { _ = store.Close() }()

			So(store.Create(ctx, newTask("a", 0)), ShouldBeNil)

			Convey("When reading an unknown id", func() {
				_, err := store.Get(ctx, "missing")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				_, err = store.Update(ctx, "missing", func(*model.Task) error { return nil })
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})

			Convey("When creating a duplicate", func() {
				So(errors.Is(store.Create(ctx, newTask("a", 0)), repository.ErrExists), ShouldBeTrue)
			})

			Convey("When updating progress", func() {
				got, err := store.Update(ctx, "a", func(t *model.Task) error {
					t.Status = model.StatusTraining
					t.CurrentEpoch = 1
					t.Latest = &model.EpochMetrics{Epoch: 1, TotalEpochs: 2, Accuracy: 0.5}
					t.AppendLog("epoch 1/2")
					return nil
				})

				Convey("Then the new state is stored and stamped", func() {
					So(err, ShouldBeNil)
					So(got.UpdatedAt.Equal(base.Add(time.Hour)), ShouldBeTrue)

					read, err := store.Get(ctx, "a")
					So(err, ShouldBeNil)
					So(read.Status, ShouldEqual, model.StatusTraining)
					So(read.Latest.Accuracy, ShouldEqual, 0.5)
					So(read.Logs, ShouldResemble, []string{"epoch 1/2"})
					So(read.Config.Architecture, ShouldEqual, "basic")
				})

				Convey("Then mutating a returned copy does not leak into the store", func() {
					got.Logs[0] = "tampered"
					read, err := store.Get(ctx, "a")
					So(err, ShouldBeNil)
					So(read.Logs[0], ShouldEqual, "epoch 1/2")
				})
			})

			Convey("When the update function fails", func() {
				boom := errors.New("boom")
				_, err := store.Update(ctx, "a", func(t *model.Task) error {
					t.Status = model.StatusFailed
					return boom
				})
				So(errors.Is(err, boom), ShouldBeTrue)
				read, _ := store.Get(ctx, "a")
				So(read.Status, ShouldEqual, model.StatusInitializing)
			})

			Convey("When listing", func() {
				So(store.Create(ctx, newTask("b", time.Minute)), ShouldBeNil)
				So(store.Create(ctx, newTask("c", 2*time.Minute)), ShouldBeNil)

				all, err := store.List(ctx, 0)
				So(err, ShouldBeNil)
				So(len(all), ShouldEqual, 3)
				So(all[0].ID, ShouldEqual, "c")
				So(all[2].ID, ShouldEqual, "a")

				two, err := store.List(ctx, 2)
				So(err, ShouldBeNil)
				So(len(two), ShouldEqual, 2)
			})

			Convey("When writers update one task concurrently", func() {
				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, _ = store.Update(ctx, "a", func(t *model.Task) error {
							t.CurrentEpoch++
							return nil
						})
					}()
				}
				wg.Wait()
				read, err := store.Get(ctx, "a")
				So(err, ShouldBeNil)
				So(read.CurrentEpoch, ShouldEqual, 20)
			})
		})
	}
}

func TestTaskStoreRetention(t *testing.T) {
	for name, open := range stores() {
		Convey(fmt.Sprintf("Given a %s store keeping two tasks", name), t, func() {
			ctx := context.Background()
			store := open(t, repository.WithMaxTasks(2))
			defer func() { _ = store.Close() }()

			So(store.Create(ctx, newTask("old-done", 0)), ShouldBeNil)
			_, err := store.Update(ctx, "old-done", func(t *model.Task) error {
				t.Status = model.StatusCompleted
				return nil
			})
			So(err, ShouldBeNil)
			So(store.Create(ctx, newTask("running", time.Minute)), ShouldBeNil)
			So(store.Create(ctx, newTask("new", 2*time.Minute)), ShouldBeNil)

			Convey("Then the oldest finished task is evicted", func() {
				_, err := store.Get(ctx, "old-done")
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
				_, err = store.Get(ctx, "running")
				So(err, ShouldBeNil)
				_, err = store.Get(ctx, "new")
				So(err, ShouldBeNil)
			})
		})
	}
}

func TestSQLiteMarkInterrupted(t *testing.T) {
	Convey("Given a database with an unfinished task from a previous run", t, func() {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "tasks.db")
		first, err := repository.OpenSQLite(ctx, path)
		So(err, ShouldBeNil)
		So(first.Create(ctx, newTask("left-over", 0)), ShouldBeNil)
		So(first.Close(), ShouldBeNil)

		second, err := repository.OpenSQLite(ctx, path)
		So(err, ShouldBeNil)
		defer func() { _ = second.Close() }()

		n, err := second.MarkInterrupted(ctx)

		Convey("Then it is failed on reopen", func() {
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			task, err := second.Get(ctx, "left-over")
			So(err, ShouldBeNil)
			So(task.Status, ShouldEqual, model.StatusFailed)
			So(task.ErrorKind, ShouldEqual, "interrupted")
		})
	})
}
