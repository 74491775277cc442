package signal

import "github.com/dkeye/voicemesh/internal/core"

func (ctl *SignalWSController) handlePing(conn core.SignalConnection) {
	ctl.send(conn, Frame{Type: FramePong})
}
