package store

import "errors"

var (
	ErrSystemInactive    = errors.New("calling system inactive")
	ErrBelowMinimum      = errors.New("ticket number below configured minimum")
	ErrDuplicateNumber   = errors.New("ticket number already issued")
	ErrInvalidTransition = errors.New("transition not allowed for current status")
	ErrNoTicketsWaiting  = errors.New("no tickets waiting")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrUnitNotFound      = errors.New("unit not found")
	ErrInvalidArgument   = errors.New("invalid argument")
)
