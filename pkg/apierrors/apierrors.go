// Package apierrors defines the error-kind taxonomy used across the host
// coordinator and scheduler. Each kind implements error and HTTPStatus so
// HTTP handlers can map a returned error directly to a response code without
// a type switch at every call site.
package apierrors

import "net/http"

// ValidationError is a malformed or self-contradictory submission. No state
// is created for it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string    { return e.Reason }
func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// CapacityError means no node could satisfy the requested resources. No
// state is created for it.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string    { return e.Reason }
func (e *CapacityError) HTTPStatus() int { return http.StatusServiceUnavailable }

// NotFoundError means the referenced task_id, hostname, or container does
// not exist.
type NotFoundError struct {
	Reason string
}

func (e *NotFoundError) Error() string    { return e.Reason }
func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// StateConflictError means the requested transition is invalid given the
// current state, e.g. killing an already-terminal task.
type StateConflictError struct {
	Reason string
}

func (e *StateConflictError) Error() string    { return e.Reason }
func (e *StateConflictError) HTTPStatus() int { return http.StatusConflict }

// WorkerUnreachableError means an HTTP call to a worker failed at the
// network/transport level.
type WorkerUnreachableError struct {
	Reason string
}

func (e *WorkerUnreachableError) Error() string    { return e.Reason }
func (e *WorkerUnreachableError) HTTPStatus() int { return http.StatusBadGateway }

// RuntimeError means the container runtime itself failed an operation.
type RuntimeError struct {
	Reason string
}

func (e *RuntimeError) Error() string    { return e.Reason }
func (e *RuntimeError) HTTPStatus() int { return http.StatusInternalServerError }

// ImageSyncError means a tarball was missing or failed to load from the
// shared image store.
type ImageSyncError struct {
	Reason string
}

func (e *ImageSyncError) Error() string    { return e.Reason }
func (e *ImageSyncError) HTTPStatus() int { return http.StatusInternalServerError }

// InternalError is an unexpected failure not covered by the other kinds.
type InternalError struct {
	Reason string
}

func (e *InternalError) Error() string    { return e.Reason }
func (e *InternalError) HTTPStatus() int { return http.StatusInternalServerError }

// HTTPStatuser is implemented by every error kind in this package.
type HTTPStatuser interface {
	error
	HTTPStatus() int
}

// StatusOf returns the HTTP status an error maps to, defaulting to 500 for
// errors that don't implement HTTPStatuser.
func StatusOf(err error) int {
	if hs, ok := err.(HTTPStatuser); ok {
		return hs.HTTPStatus()
	}
	return http.StatusInternalServerError
}
