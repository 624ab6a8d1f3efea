package indi

import "encoding/xml"

// Unexported encoding/xml-tagged structs mirroring the outbound wire shapes
// in spec.md §4.C/§6 (the newXxxVector mutation family and getProperties).
// Callers only ever see an Update; these exist solely for serializer.go to
// marshal against. Inbound parsing (parser.go) never unmarshals through
// struct tags at all — INDI's rootless, error-recovering stream needs
// token-level control encoding/xml's Unmarshal doesn't give, so the parser
// walks xml.Decoder.Token() directly instead of decoding into the
// def*/set*Vector shapes the wire otherwise carries.

// newNumberVector, newTextVector, and newSwitchVector are the client→server
// mirrors of the set*Vector shapes the server itself sends (spec.md's
// NewProperty). They are only ever marshaled, never unmarshaled, by this
// client.
type newNumberVector struct {
	XMLName   xml.Name    `xml:"newNumberVector"`
	Device    string      `xml:"device,attr"`
	Name      string      `xml:"name,attr"`
	Timestamp string      `xml:"timestamp,attr,omitempty"`
	Numbers   []oneNumber `xml:"oneNumber"`
}

type newTextVector struct {
	XMLName   xml.Name  `xml:"newTextVector"`
	Device    string    `xml:"device,attr"`
	Name      string    `xml:"name,attr"`
	Timestamp string    `xml:"timestamp,attr,omitempty"`
	Texts     []oneText `xml:"oneText"`
}

type newSwitchVector struct {
	XMLName   xml.Name    `xml:"newSwitchVector"`
	Device    string      `xml:"device,attr"`
	Name      string      `xml:"name,attr"`
	Timestamp string      `xml:"timestamp,attr,omitempty"`
	Switches  []oneSwitch `xml:"oneSwitch"`
}

type oneNumber struct {
	XMLName xml.Name `xml:"oneNumber"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:",chardata"`
}

type oneText struct {
	XMLName xml.Name `xml:"oneText"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:",chardata"`
}

type oneSwitch struct {
	XMLName xml.Name `xml:"oneSwitch"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:",chardata"`
}

type getProperties struct {
	XMLName xml.Name `xml:"getProperties"`
	Version string   `xml:"version,attr"`
	Device  string   `xml:"device,attr,omitempty"`
	Name    string   `xml:"name,attr,omitempty"`
}

// blobVectorTags are recognized on the wire (so a server sending BLOBs
// doesn't trip the parser's unknown-tag path) but are skipped wholesale:
// spec.md's Non-goals exclude BLOB elements from the core store.
var blobVectorTags = map[string]bool{
	"defBLOBVector": true,
	"setBLOBVector": true,
}
