package twilio

import (
	"encoding/xml"
	"fmt"
)

// TwiML is the root <Response> document returned from a voice webhook.
type TwiML struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:"Say,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
}

// Say speaks text to the caller.
type Say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

// Connect hands the call's audio to a bidirectional media stream.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream names the WebSocket URL Twilio opens for the media stream.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter,omitempty"`
}

// Parameter is a custom key/value pair delivered in start.customParameters.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ConnectStream returns a TwiML document that greets the caller and then
// connects the call to the media stream at streamURL.
func ConnectStream(greeting, voice, streamURL string) TwiML {
	doc := TwiML{Connect: &Connect{Stream: Stream{URL: streamURL}}}
	if greeting != "" {
		doc.Say = &Say{Voice: voice, Text: greeting}
	}
	return doc
}

// Marshal renders the document with an XML declaration.
func (t TwiML) Marshal() ([]byte, error) {
	body, err := xml.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("twilio: marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
