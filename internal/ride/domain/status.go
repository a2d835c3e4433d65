package domain

import (
	"fmt"
	"strings"
)

type RideStatus string

const (
	StatusPending   RideStatus = "Pending"
	StatusOngoing   RideStatus = "Ongoing"
	StatusCompleted RideStatus = "Completed"
	StatusCancelled RideStatus = "Cancelled"
)

// ParseStatus accepts the wire spelling of a status, case-insensitively.
func ParseStatus(s string) (RideStatus, error) {
	for _, st := range []RideStatus{StatusPending, StatusOngoing, StatusCompleted, StatusCancelled} {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown ride status %q", s)
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// OrDefault reports an unset status as Pending. Only for presentation and
// transition lookups; callers must not write the defaulted value back.
func (s RideStatus) OrDefault() RideStatus {
	if s == "" {
		return StatusPending
	}
	return s
}

// Action is a request to move a ride through its lifecycle.
type Action string

const (
	ActionAssign          Action = "assign"
	ActionCancel          Action = "cancel"
	ActionComplete        Action = "complete"
	ActionDriverArrived   Action = "driver_arrived"
	ActionPassengerPickup Action = "passenger_pickup"
)

var transitions = map[RideStatus]map[Action]RideStatus{
	StatusPending: {
		ActionAssign: StatusOngoing,
		ActionCancel: StatusCancelled,
	},
	StatusOngoing: {
		ActionCancel:          StatusCancelled,
		ActionComplete:        StatusCompleted,
		ActionDriverArrived:   StatusOngoing,
		ActionPassengerPickup: StatusOngoing,
	},
}

// Next returns the status reached by applying action, or ErrInvalidTransition.
func Next(current RideStatus, action Action) (RideStatus, error) {
	next, ok := transitions[current.OrDefault()][action]
	if !ok {
		return current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, current.OrDefault())
	}
	return next, nil
}
