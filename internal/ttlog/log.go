// Copyright 2026 the ttrouter authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ttlog provides the package-level structured logger used
// throughout the scheduler. It is a thin wrapper around zap that exposes a
// mutable level (SetLevel), so verbosity can change at runtime without
// restarting the process.
package ttlog

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	root   *zap.Logger
	loggerContextKey struct{}
)

func init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		// Config above is a static, known-good configuration; it cannot fail to build.
		panic(err)
	}
	root = l
}

// Root returns the package-wide root logger. It is never nil.
func Root() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return root
}

// SetLevel changes the verbosity of every logger derived from Root.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// CtxWith returns a context carrying logger, retrievable with FromCtx.
func CtxWith(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, &loggerContextKey, logger)
}

// FromCtx returns the logger embedded in ctx, or Root() if none was attached.
func FromCtx(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(&loggerContextKey).(*zap.Logger); ok {
		return l
	}
	return Root()
}
