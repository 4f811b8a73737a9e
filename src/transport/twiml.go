package transport

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

const busyTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response><Say>I'm sorry, we're currently experiencing high call volume. Please try again later.</Say><Hangup/></Response>`

const connectTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response><Connect><Stream url="%s"><Parameter name="caller" value="%s"/></Stream></Connect></Response>`

// HandleVoice answers Twilio's incoming-call webhook. Admitted calls
// get TwiML connecting the audio to our media stream endpoint; refused
// calls hear an apology and are hung up. Always HTTP 200, as Twilio
// treats anything else as a misconfigured webhook.
func (h *Handler) HandleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.log.Warn("bad voice webhook form: %v", err)
	}
	caller := r.FormValue("From")
	callSID := r.FormValue("CallSid")

	w.Header().Set("Content-Type", "text/xml")

	if !h.limiter.TryAdmit(caller) {
		h.log.Warn("call %s from %s refused by rate limiter", callSID, caller)
		fmt.Fprint(w, busyTwiML)
		return
	}

	h.log.Info("incoming call %s from %s", callSID, caller)
	fmt.Fprintf(w, connectTwiML, h.streamURL(), xmlEscape(caller))
}

// streamURL derives the wss endpoint from the public server URL.
func (h *Handler) streamURL() string {
	host := h.config.ServerURL
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	return "wss://" + strings.TrimSuffix(host, "/") + "/ws"
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s)) // only errors on a broken writer
	return buf.String()
}
