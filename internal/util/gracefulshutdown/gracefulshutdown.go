/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gracefulshutdown terminates the buildvm binary in one place: it
// releases the build VM handle, flushes metrics and exits, whether the process
// ends normally, fails, or receives a termination signal.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ExitCodeInterrupted is used when the process is stopped by a signal.
const ExitCodeInterrupted = 130

// GracefulShutdown holds the process context and the hooks to run before exiting.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once  sync.Once
	mu    sync.Mutex
	hooks []func()

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a new GracefulShutdown with a custom exit function.
// This is primarily useful for testing where os.Exit() would terminate the test process.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		exitFunc: exitFunc,
	}

	// A signal cancels ctx; an explicit Shutdown cancels it too, in which case
	// the once below makes this call a no-op.
	go func() {
		<-ctx.Done()
		gs.Shutdown(ExitCodeInterrupted)
	}()

	return gs
}

// New creates a new GracefulShutdown exiting through os.Exit. Its context is
// canceled by SIGTERM or SIGINT.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// OnShutdown registers fn to run before the process exits. Hooks run in
// reverse registration order.
func (s *GracefulShutdown) OnShutdown(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hooks = append(s.hooks, fn)
}

// Shutdown runs the registered hooks and exits with exitCode. Only the first
// call has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Debug("shutting down", "name", s.name, "exitCode", exitCode)

		s.cancel()

		s.mu.Lock()
		hooks := s.hooks
		s.hooks = nil
		s.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}

		s.exitFunc(exitCode)
	})
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}
