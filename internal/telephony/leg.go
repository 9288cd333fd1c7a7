package telephony

import (
	"time"

	"intake-bridge/internal/wsleg"
)

// Leg is the phone side of a call.
type Leg struct {
	ws *wsleg.Leg
}

// NewLeg wraps an upgraded media-stream connection.
func NewLeg(conn wsleg.Conn, writeTimeout time.Duration) *Leg {
	return &Leg{ws: wsleg.New(conn, writeTimeout)}
}

// Next blocks for the next frame.  Errors wrapping ErrMalformed are
// recoverable; anything else means the connection is gone.
func (l *Leg) Next() (Frame, error) {
	data, err := l.ws.Read()
	if err != nil {
		return Frame{}, err
	}
	return Decode(data)
}

// SendMedia relays one synthesized audio chunk to the caller.
func (l *Leg) SendMedia(streamSID, payload string) error {
	return l.ws.WriteJSON(MediaFrame(streamSID, payload))
}

// SendClear flushes audio queued on the phone side.
func (l *Leg) SendClear(streamSID string) error {
	return l.ws.WriteJSON(ClearFrame(streamSID))
}

// Close hangs up the media stream.
func (l *Leg) Close() error {
	return l.ws.Close()
}
