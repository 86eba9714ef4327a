// Copyright 2022-2024 The Conduit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package assert is a minimal generics-based assertion package built on
// go-cmp, with protobuf-aware comparisons.
package assert

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/testing/protocmp"
)

// Equal asserts that got and want are equal, comparing protobuf messages by
// their contents.
func Equal[T any](t testing.TB, got, want T, options ...Option) bool {
	t.Helper()
	if diff := diff(got, want); diff != "" {
		fail(t, options, "assert.Equal (-got +want):\n%s", diff)
		return false
	}
	return true
}

// NotEqual asserts that got and want aren't equal.
func NotEqual[T any](t testing.TB, got, want T, options ...Option) bool {
	t.Helper()
	if diff(got, want) == "" {
		fail(t, options, "assert.NotEqual: both values are %+v", got)
		return false
	}
	return true
}

// Nil asserts that got is nil, including typed nils inside interfaces.
func Nil(t testing.TB, got any, options ...Option) bool {
	t.Helper()
	if !isNil(got) {
		fail(t, options, "assert.Nil: got %+v", got)
		return false
	}
	return true
}

// NotNil asserts that got isn't nil.
func NotNil(t testing.TB, got any, options ...Option) bool {
	t.Helper()
	if isNil(got) {
		fail(t, options, "assert.NotNil: got nil")
		return false
	}
	return true
}

// Zero asserts that got is its type's zero value.
func Zero[T any](t testing.TB, got T, options ...Option) bool {
	t.Helper()
	var want T
	if d := diff(got, want); d != "" {
		fail(t, options, "assert.Zero (type %T): got %+v", got, got)
		return false
	}
	return true
}

// True asserts that got is true.
func True(t testing.TB, got bool, options ...Option) bool {
	t.Helper()
	if !got {
		fail(t, options, "assert.True: got false")
		return false
	}
	return true
}

// False asserts that got is false.
func False(t testing.TB, got bool, options ...Option) bool {
	t.Helper()
	if got {
		fail(t, options, "assert.False: got true")
		return false
	}
	return true
}

// ErrorIs asserts that want is in got's error chain.
func ErrorIs(t testing.TB, got, want error, options ...Option) bool {
	t.Helper()
	if !errors.Is(got, want) {
		fail(t, options, "assert.ErrorIs:\ngot:\t%v\nwant:\t%v", got, want)
		return false
	}
	return true
}

// Match asserts that got matches the regular expression want.
func Match(t testing.TB, got, want string, options ...Option) bool {
	t.Helper()
	re, err := regexp.Compile(want)
	if err != nil {
		t.Fatalf("invalid regexp %q: %v", want, err)
	}
	if !re.MatchString(got) {
		fail(t, options, "assert.Match:\ngot:\t%s\nwant match of:\t%s", got, want)
		return false
	}
	return true
}

// Panics asserts that calling panicker panics.
func Panics(t testing.TB, panicker func(), options ...Option) {
	t.Helper()
	defer func() {
		t.Helper()
		if recover() == nil {
			fail(t, options, "assert.Panics: no panic")
		}
	}()
	panicker()
}

// An Option configures an assertion.
type Option interface {
	message() string
}

// Sprintf adds a user-defined message to the assertion's output. The
// arguments are passed directly to fmt.Sprintf. If given multiple times,
// only the last message is used.
func Sprintf(template string, args ...any) Option {
	return sprintfOption(fmt.Sprintf(template, args...))
}

type sprintfOption string

func (o sprintfOption) message() string {
	return string(o)
}

func fail(t testing.TB, options []Option, template string, args ...any) {
	t.Helper()
	var sb strings.Builder
	if len(options) > 0 {
		sb.WriteString(options[len(options)-1].message())
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, template, args...)
	t.Fatal(sb.String())
}

func diff(got, want any) string {
	return cmp.Diff(got, want, protocmp.Transform(), cmp.Exporter(exportAll))
}

// exportAll lets cmp look at unexported fields, which conduit's own types
// use heavily.
func exportAll(reflect.Type) bool {
	return true
}

func isNil(got any) bool {
	if got == nil {
		return true
	}
	// An interface holding a typed nil is non-nil itself; unwrap it.
	val := reflect.ValueOf(got)
	switch val.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return val.IsNil()
	default:
		return false
	}
}
