package tp

// FlowController decides which flow control frame the receiving side answers
// a First Frame with. hasRoom reports whether a completed message could be
// buffered right now.
type FlowController struct {
	cfg     Config
	hasRoom func() bool
	waits   int
}

// NewFlowController returns a controller for cfg. A nil hasRoom means the
// receive queue always has room.
func NewFlowController(cfg Config, hasRoom func() bool) *FlowController {
	if hasRoom == nil {
		hasRoom = func() bool { return true }
	}
	return &FlowController{cfg: cfg, hasRoom: hasRoom}
}

// Begin resets the wait frame count for a new message.
func (fc *FlowController) Begin() { fc.waits = 0 }

// Waits is the number of wait frames sent for the current message.
func (fc *FlowController) Waits() int { return fc.waits }

// Decide answers a message of total bytes. While the receive buffer is full
// it asks the sender to wait, at most WftMax times, and then gives up with
// Overflow.
func (fc *FlowController) Decide(total uint32) *FlowControlFrame {
	if int64(total) > int64(fc.cfg.MaxMessageSize) {
		return &FlowControlFrame{Status: Overflow}
	}
	if !fc.hasRoom() {
		if fc.waits < int(fc.cfg.FlowControl.WftMax()) {
			fc.waits++
			return &FlowControlFrame{Status: Wait}
		}
		return &FlowControlFrame{Status: Overflow}
	}
	return fc.Continue()
}

// Continue is the clear-to-send frame advertising the configured block size and STmin.
func (fc *FlowController) Continue() *FlowControlFrame {
	return &FlowControlFrame{
		Status:    ContinueToSend,
		BlockSize: fc.cfg.FlowControl.BlockSize(),
		STmin:     fc.cfg.FlowControl.STmin(),
	}
}
