package fleetq

import "time"

type options struct {
	id           string
	priority     Priority
	requirements Requirements
	metadata     map[string]any
	target       string
}

// Option is a function that configures a task built by NewTask.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithPriority sets the queue priority. Default is PriorityNormal.
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
	}
}

// WithRequirements replaces the whole requirement set. A zero or negative
// timeout or retry budget takes the default; follow with MaxRetries(0) to
// disable retries.
func WithRequirements(r Requirements) Option {
	return func(o *options) {
		d := DefaultRequirements()
		if r.TimeoutSeconds <= 0 {
			r.TimeoutSeconds = d.TimeoutSeconds
		}
		if r.MaxRetries <= 0 {
			r.MaxRetries = d.MaxRetries
		}
		o.requirements = r.clone()
	}
}

// Timeout sets the per-attempt execution budget, rounded up to whole seconds.
func Timeout(d time.Duration) Option {
	return func(o *options) {
		s := int((d + time.Second - 1) / time.Second)
		if s < 1 {
			s = 1
		}
		o.requirements.TimeoutSeconds = s
	}
}

// MaxRetries sets how many times a failed task may be requeued.
func MaxRetries(n int) Option {
	return func(o *options) {
		o.requirements.MaxRetries = n
	}
}

// WithMetadata attaches a free-form key/value pair to the task.
func WithMetadata(key string, value any) Option {
	return func(o *options) {
		if o.metadata == nil {
			o.metadata = make(map[string]any)
		}
		o.metadata[key] = value
	}
}

// PinTo targets the task at one device. Pinned tasks skip capability matching
// and are only handed to that device.
func PinTo(deviceID string) Option {
	return func(o *options) {
		o.target = deviceID
	}
}
