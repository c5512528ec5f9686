package providers

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// BuildSSML wraps text in a speak/voice/prosody document for voice.
// Text is XML-escaped; attribute values come from configuration.
func BuildSSML(text string, voice VoiceConfig) string {
	voice = voice.WithDefaults()

	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(text))

	var b strings.Builder
	b.WriteString("<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='")
	b.WriteString(attr(voice.Language))
	b.WriteString("'><voice name='")
	b.WriteString(attr(voice.Name))
	b.WriteString("'><prosody rate='")
	b.WriteString(attr(voice.Rate))
	b.WriteString("' pitch='")
	b.WriteString(attr(voice.Pitch))
	b.WriteString("'>")
	b.Write(escaped.Bytes())
	b.WriteString("</prosody></voice></speak>")
	return b.String()
}

func attr(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
