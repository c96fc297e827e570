// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hckclient

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	resultSuccess = "Success"
	resultFailure = "Failure"
)

var (
	// ErrRemoteOperation is wrapped by every error built from a Failure
	// envelope.
	ErrRemoteOperation = errors.New("remote operation failed")
	// ErrMalformedResponse is returned when the automation script did not
	// answer with a decodable envelope.
	ErrMalformedResponse = errors.New("malformed response from automation script")
)

// RemoteOperationError carries the message of a Failure envelope.
type RemoteOperationError struct {
	Operation string
	Message   string
}

func (e *RemoteOperationError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("%s: %s", ErrRemoteOperation, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", ErrRemoteOperation, e.Operation, e.Message)
}

func (e *RemoteOperationError) Unwrap() error {
	return ErrRemoteOperation
}

// Result is the outcome of a remote operation: either Ok with a content or Err
// with a message.
type Result[T any] struct {
	ok        bool
	content   T
	message   string
	operation string
}

// None is the content of operations that return nothing.
type None struct{}

func Ok[T any](content T) Result[T] {
	return Result[T]{ok: true, content: content}
}

func Err[T any](message string) Result[T] {
	return Result[T]{message: message}
}

// IsOk reports whether the operation succeeded.
func (r Result[T]) IsOk() bool { return r.ok }

// Content returns the content of an Ok result, or the zero value.
func (r Result[T]) Content() T { return r.content }

// Message returns the message of an Err result.
func (r Result[T]) Message() string { return r.message }

// Unwrap returns the content, or a *RemoteOperationError for an Err result.
func (r Result[T]) Unwrap() (T, error) {
	if r.ok {
		return r.content, nil
	}
	var zero T
	return zero, &RemoteOperationError{Operation: r.operation, Message: r.message}
}

// envelope is the wire representation of a Result.
type envelope struct {
	Result  string          `json:"result"`
	Content json.RawMessage `json:"content,omitempty"`
	Message string          `json:"message,omitempty"`
}

// DecodeResult decodes a {"result","content","message"} envelope. A Failure
// envelope is not an error: it decodes to an Err result.
func DecodeResult[T any](operation string, data []byte) (Result[T], error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Result[T]{}, errors.Join(err, fmt.Errorf("%w: %s", ErrMalformedResponse, operation))
	}

	return fromEnvelope[T](operation, env)
}

func fromEnvelope[T any](operation string, env envelope) (Result[T], error) {
	switch env.Result {
	case resultSuccess:
		var content T
		if len(env.Content) > 0 && string(env.Content) != "null" {
			if err := json.Unmarshal(env.Content, &content); err != nil {
				return Result[T]{}, errors.Join(err, fmt.Errorf("%w: %s content", ErrMalformedResponse, operation))
			}
		}
		r := Ok(content)
		r.operation = operation
		return r, nil

	case resultFailure:
		r := Err[T](env.Message)
		r.operation = operation
		return r, nil

	default:
		return Result[T]{}, fmt.Errorf("%w: %s: unknown result %q", ErrMalformedResponse, operation, env.Result)
	}
}
