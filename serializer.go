package indi

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// marshalNewProperty renders an ActionNewProperty Update as the newXxxVector
// message the server expects, per spec.md §6. The result always ends in a
// single trailing newline; outbound messages are newline-terminated on the
// wire even though inbound parsing never requires one.
func marshalNewProperty(u Update) ([]byte, error) {
	if u.Action != ActionNewProperty {
		return nil, fmt.Errorf("indi: marshalNewProperty called with Action %v", u.Action)
	}

	ts := ""
	if u.HasTimestamp {
		ts = FormatTimestamp(u.Timestamp)
	}

	var payload interface{}
	switch u.Kind {
	case KindNumber:
		v := newNumberVector{Device: u.Device, Name: u.Property, Timestamp: ts}
		for _, e := range u.Elements {
			v.Numbers = append(v.Numbers, oneNumber{Name: e.Name, Value: formatNumberValue(e.Value, e.Format)})
		}
		payload = v
	case KindText:
		v := newTextVector{Device: u.Device, Name: u.Property, Timestamp: ts}
		for _, e := range u.Elements {
			text, _ := e.Value.Text()
			v.Texts = append(v.Texts, oneText{Name: e.Name, Value: text})
		}
		payload = v
	case KindSwitch:
		v := newSwitchVector{Device: u.Device, Name: u.Property, Timestamp: ts}
		for _, e := range u.Elements {
			sw, _ := e.Value.Switch()
			v.Switches = append(v.Switches, oneSwitch{Name: e.Name, Value: string(sw)})
		}
		payload = v
	default:
		return nil, fmt.Errorf("indi: %v properties cannot be set by a client", u.Kind)
	}

	body, err := xml.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// formatNumberValue renders a Number Value for the wire. An unset value
// serializes as an empty body; otherwise the element's defining printf
// format string is honored when present (spec.md §6), falling back to
// Go's shortest round-trippable form.
func formatNumberValue(v Value, format string) string {
	n, ok := v.Number()
	if !ok {
		return ""
	}
	if format == "" {
		return fmt.Sprintf("%g", n)
	}
	return fmt.Sprintf(format, n)
}

// marshalGetProperties renders a GetProperties request, optionally filtered
// by device and/or property name.
func marshalGetProperties(device, property string) ([]byte, error) {
	gp := getProperties{Version: ProtocolVersion, Device: device, Name: property}
	body, err := xml.Marshal(gp)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
