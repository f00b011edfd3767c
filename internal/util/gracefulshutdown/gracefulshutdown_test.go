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

//go:build unit

package gracefulshutdown_test

import (
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/buildvm/internal/util/gracefulshutdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) get() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func TestNewWithExit(t *testing.T) {
	gs := gracefulshutdown.NewWithExit("buildvm", func(int) {})
	require.NotNil(t, gs)

	assert.NoError(t, gs.Context().Err(), "context should not be cancelled initially")
}

func TestGracefulShutdown_Shutdown(t *testing.T) {
	for _, code := range []int{0, 1} {
		exit := &exitRecorder{}
		gs := gracefulshutdown.NewWithExit("buildvm", exit.exit)

		gs.Shutdown(code)

		assert.Equal(t, []int{code}, exit.get())
		assert.Error(t, gs.Context().Err(), "context should be cancelled after shutdown")
	}
}

func TestGracefulShutdown_HooksRunInReverseOrder(t *testing.T) {
	var order []string
	exit := &exitRecorder{}
	gs := gracefulshutdown.NewWithExit("buildvm", func(code int) {
		order = append(order, "exit")
		exit.exit(code)
	})
	gs.OnShutdown(func() { order = append(order, "write metrics") })
	gs.OnShutdown(func() { order = append(order, "close controller") })

	gs.Shutdown(1)

	assert.Equal(t, []string{"close controller", "write metrics", "exit"}, order)
}

func TestGracefulShutdown_Idempotent(t *testing.T) {
	exit := &exitRecorder{}
	calls := 0
	gs := gracefulshutdown.NewWithExit("buildvm", exit.exit)
	gs.OnShutdown(func() { calls++ })

	gs.Shutdown(1)
	gs.Shutdown(0)

	// the signal watcher observes the cancelled context and calls Shutdown again
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []int{1}, exit.get())
	assert.Equal(t, 1, calls)
}
