package app

type BackpressureAction int

const (
	KickMember BackpressureAction = iota
	DropFrame
)

// Policy decides what happens to a recipient whose send queue is full.
// A closed connection is always removed regardless of policy.
type Policy interface {
	OnBackPressure(room *Room, member *Session) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room *Room, member *Session) BackpressureAction {
	return KickMember
}
