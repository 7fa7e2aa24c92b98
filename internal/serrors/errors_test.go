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

package serrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ttswitch/ttrouter/internal/serrors"
)

func TestNewIs(t *testing.T) {
	e1 := serrors.New("bad thing")
	e2 := serrors.New("bad thing")
	assert.True(t, errors.Is(e1, e1))
	assert.False(t, errors.Is(e1, e2))
}

func TestWrapUnwraps(t *testing.T) {
	cause := serrors.New("root cause")
	wrapped := serrors.Wrap("doing something", cause, "flow_id", 42)
	assert.True(t, errors.Is(wrapped, cause))
	assert.Contains(t, wrapped.Error(), "doing something")
	assert.Contains(t, wrapped.Error(), "root cause")
	assert.Contains(t, wrapped.Error(), "flow_id=42")
}

func TestListToError(t *testing.T) {
	var l serrors.List
	assert.NoError(t, l.ToError())

	l = append(l, serrors.New("one"), serrors.New("two"))
	err := l.ToError()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
}

func TestListIsMatchesAnyMember(t *testing.T) {
	target := serrors.New("target")
	l := serrors.List{serrors.New("unrelated"), target}
	assert.True(t, errors.Is(l.ToError(), target))
	assert.False(t, errors.Is(l.ToError(), serrors.New("target")))
}

func TestWithCtxPreservesIs(t *testing.T) {
	base := serrors.New("base")
	decorated := serrors.WithCtx(base, "port", 3)
	assert.True(t, errors.Is(decorated, base))
	assert.Contains(t, decorated.Error(), "port=3")
}
