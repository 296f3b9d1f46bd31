// Package audioroute abstracts the platform audio output switch between
// earpiece and speaker.
package audioroute

// Router flips call audio between earpiece and speaker. SetSpeaker returns
// the routing now in effect, which may differ from the request when the
// platform refuses the switch.
type Router interface {
	SetSpeaker(on bool) bool
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(on bool) bool

func (f RouterFunc) SetSpeaker(on bool) bool { return f(on) }

// NopRouter acknowledges every request without touching the platform. Used on
// hosts with no routable output device.
type NopRouter struct{}

func (NopRouter) SetSpeaker(on bool) bool { return on }
