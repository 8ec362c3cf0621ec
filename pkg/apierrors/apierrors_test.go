package apierrors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err      error
		expected int
	}{
		{&ValidationError{Reason: "bad"}, http.StatusBadRequest},
		{&CapacityError{Reason: "full"}, http.StatusServiceUnavailable},
		{&NotFoundError{Reason: "nope"}, http.StatusNotFound},
		{&StateConflictError{Reason: "conflict"}, http.StatusConflict},
		{&WorkerUnreachableError{Reason: "net"}, http.StatusBadGateway},
		{&RuntimeError{Reason: "oci"}, http.StatusInternalServerError},
		{&ImageSyncError{Reason: "tar"}, http.StatusInternalServerError},
		{&InternalError{Reason: "boom"}, http.StatusInternalServerError},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, StatusOf(c.err))
		assert.NotEmpty(t, c.err.Error())
	}
}

func TestStatusOf_PlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "plain" }
