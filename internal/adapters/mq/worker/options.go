// Package worker runs queued training jobs and records their progress.
package worker

import (
	"github.com/okian/formlab/pkg/logger"
)

// Option applies a configuration option to the InMemoryWorker.
type Option func(*InMemoryWorker)

// WithName sets the worker name for identification and logging.
func WithName(name string) Option {
	return func(w *InMemoryWorker) {
		if name != "" {
			w.name = name
		}
	}
}

// WithLogger sets a custom logger for the worker.
func WithLogger(logger logger.Logger) Option {
	return func(w *InMemoryWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithActivator is notified with the artifact id of every completed run.
func WithActivator(a Activator) Option {
	return func(w *InMemoryWorker) {
		w.activator = a
	}
}
