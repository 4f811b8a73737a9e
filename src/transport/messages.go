package transport

import "sync"

// Events on a Twilio media stream. Inbound we see connected, start,
// media, mark and stop; outbound we send media, mark and clear.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
	eventClear     = "clear"
)

// twilioMessage is the envelope for every frame on the stream, inbound
// and outbound. Only the fields for the given event are populated.
type twilioMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
	Mark      *twilioMark  `json:"mark,omitempty"`
}

// twilioStart carries the call metadata sent once per stream.
type twilioStart struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// twilioMedia carries one base64 chunk of mulaw audio.
type twilioMedia struct {
	Payload string `json:"payload"`
}

// twilioMark names a playback checkpoint. Twilio echoes it back once
// the audio queued before it has been played to the caller.
type twilioMark struct {
	Name string `json:"name"`
}

// jsonWriter is the subset of *websocket.Conn the outbound path needs.
type jsonWriter interface {
	WriteJSON(v interface{}) error
}

// mediaConn adapts one websocket connection to the pipeline's
// MediaWriter. Gorilla connections allow a single concurrent writer, so
// every write goes through the mutex.
type mediaConn struct {
	mu        sync.Mutex
	conn      jsonWriter
	streamSID string
}

func (c *mediaConn) writeJSON(msg twilioMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *mediaConn) WriteMedia(payload string) error {
	return c.writeJSON(twilioMessage{
		Event:     eventMedia,
		StreamSID: c.streamSID,
		Media:     &twilioMedia{Payload: payload},
	})
}

func (c *mediaConn) WriteMark(name string) error {
	return c.writeJSON(twilioMessage{
		Event:     eventMark,
		StreamSID: c.streamSID,
		Mark:      &twilioMark{Name: name},
	})
}

func (c *mediaConn) WriteClear() error {
	return c.writeJSON(twilioMessage{
		Event:     eventClear,
		StreamSID: c.streamSID,
	})
}
