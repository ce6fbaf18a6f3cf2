package fleetq

import "errors"

// ErrRegistration is returned when a device registration is malformed or lacks an identity.
var ErrRegistration = errors.New("fleetq: registration rejected")

// ErrDevice reports a device-side anomaly such as a report from a device that does not own the task.
var ErrDevice = errors.New("fleetq: device error")

// ErrDeviceNotFound is returned by transports when a device id is unknown.
var ErrDeviceNotFound = errors.New("fleetq: device not found")

// ErrInvalidTask is returned when a submission or task fails validation.
var ErrInvalidTask = errors.New("fleetq: invalid task")

// ErrDuplicateTask is returned when AddTask is called with an ID that already exists.
var ErrDuplicateTask = errors.New("fleetq: duplicate task id")

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("fleetq: task not found")

// ErrInvalidTransition is returned when a status change is not allowed by the task state machine.
var ErrInvalidTransition = errors.New("fleetq: invalid status transition")

// ErrUnknownStatus is returned when an invalid status string is parsed.
var ErrUnknownStatus = errors.New("fleetq: unknown status")

// ErrUnknownPriority is returned when an invalid priority is parsed.
var ErrUnknownPriority = errors.New("fleetq: unknown priority")

// ErrNoHandler indicates there is no handler registered for the task type.
var ErrNoHandler = errors.New("fleetq: no handler")
