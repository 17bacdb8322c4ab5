package repository

import "time"

// Option applies a configuration option to a task store.
type Option func(*options)

type options struct {
	now      func() time.Time
	maxTasks int
}

func defaultOptions() options {
	return options{now: time.Now}
}

// WithClock overrides time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxTasks bounds how many tasks are retained. When exceeded, the
// oldest finished tasks are evicted; running tasks are never evicted.
func WithMaxTasks(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTasks = n
		}
	}
}
