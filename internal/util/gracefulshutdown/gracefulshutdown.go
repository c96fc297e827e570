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

package gracefulshutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-logr/logr"
)

// GracefulShutdown holds the context of a run. The context is canceled on
// SIGTERM or SIGINT; the run is expected to notice it, clean up and return
// before the caller invokes Shutdown.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string
	log    logr.Logger

	once sync.Once
	wg   sync.WaitGroup

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a new GracefulShutdown with a custom exit function.
func NewWithExit(name string, log logr.Logger, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	return &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		log:      log,
		exitFunc: exitFunc,
	}
}

func New(name string, log logr.Logger) *GracefulShutdown {
	return NewWithExit(name, log, os.Exit)
}

// Go runs fn in a goroutine tracked by Shutdown. fn must return once the
// context is done.
func (s *GracefulShutdown) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Shutdown cancels the context, waits for the goroutines started with Go and
// exits with exitCode. Only the first call has an effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		s.log.Info("gracefully shutting down", "name", s.name, "exitCode", exitCode)
		s.cancel()
		s.wg.Wait()
		s.exitFunc(exitCode)
	})
}

func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}
