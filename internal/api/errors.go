package api

import (
	"errors"
	"net/http"

	"crewboard/pkg/agent"
	"crewboard/pkg/task"
)

// writeDomainError maps the typed registry errors onto HTTP statuses.
// Validation failures are 4xx and never retried; contention is 409 so a
// caller knows to re-query rather than repeat the same call.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var (
		notFound      task.NotFoundError
		agentNotFound agent.NotFoundError
		duplicate     task.DuplicateIDError
		conflict      task.ConflictError
		cycle         task.CycleError
		unknownDep    task.UnknownDependencyError
		claimed       task.AlreadyClaimedError
		unsatisfied   task.DependenciesUnsatisfiedError
		notOwner      task.NotOwnerError
		invalid       task.InvalidTransitionError
		terminal      task.TerminalStateError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &agentNotFound):
		return http.StatusNotFound
	case errors.As(err, &duplicate), errors.As(err, &conflict),
		errors.As(err, &claimed), errors.As(err, &unsatisfied),
		errors.As(err, &terminal):
		return http.StatusConflict
	case errors.As(err, &cycle), errors.As(err, &unknownDep),
		errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.As(err, &notOwner):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
