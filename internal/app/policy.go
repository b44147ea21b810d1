package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	CloseConn
)

// Policy decides what happens to a relay connection whose send buffer is full.
type Policy interface {
	OnBackPressure(client string) BackpressureAction
}

// SimplePolicy closes the connection; a dropped event would break delivery order.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(client string) BackpressureAction {
	return CloseConn
}
