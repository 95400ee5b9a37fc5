package main

import (
	"errors"

	"github.com/GoPolymarket/polymarket-killswitch/internal/api"
	"github.com/GoPolymarket/polymarket-killswitch/internal/recovery"
)

// Process exit codes.
const (
	exitOK           = 0
	exitPrecondition = 1
	exitApproval     = 2
	exitHealth       = 3
	exitOther        = 4
)

// exitError carries an explicit exit code through cobra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		switch recovery.Reason(apiErr.Code) {
		case recovery.ReasonNotKilled:
			return exitPrecondition
		case recovery.ReasonInvalidApproval, recovery.ReasonApprovalUnavailable, recovery.ReasonRateLimited:
			return exitApproval
		case recovery.ReasonHealthFailed:
			return exitHealth
		}
		if apiErr.Code == api.CodeInvalidTransition {
			return exitPrecondition
		}
	}
	return exitOther
}
