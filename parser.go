package indi

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/rickbassham/logging"
)

// syntheticRoot is fed ahead of any server bytes so that encoding/xml, which
// expects a single well-formed document, can be pointed at INDI's rootless
// stream of sibling elements. Per spec.md §4.C this illusion is never
// closed; the parser only ever looks at the root's direct children.
const syntheticRoot = "<indiRoot>"

var defVectorKinds = map[string]PropertyKind{
	"defNumberVector": KindNumber,
	"defTextVector":   KindText,
	"defSwitchVector":  KindSwitch,
	"defLightVector":   KindLight,
}

var setVectorKinds = map[string]PropertyKind{
	"setNumberVector": KindNumber,
	"setTextVector":   KindText,
	"setSwitchVector":  KindSwitch,
	"setLightVector":   KindLight,
}

// newVectorKinds covers newXxxVector arriving inbound. Per spec.md §4.C this
// isn't typically sent by a server, but when it is it carries the same
// shape as a setXxxVector and is handled identically.
var newVectorKinds = map[string]PropertyKind{
	"newNumberVector": KindNumber,
	"newTextVector":   KindText,
	"newSwitchVector":  KindSwitch,
	"newLightVector":   KindLight,
}

var defElementTags = map[string]bool{
	"defNumber": true, "defText": true, "defSwitch": true, "defLight": true,
}

var setElementTags = map[string]bool{
	"oneNumber": true, "oneText": true, "oneSwitch": true, "oneLight": true,
}

// Parser is a SAX-style, byte-stream, never-EOF INDI XML parser. Feed
// pushes raw bytes read from the wire; Updates parsed from them arrive on
// Out(). A malformed fragment discards the update in progress and resets
// the parser's internal state without disturbing the caller or the
// underlying TCP connection (spec.md §4.C).
type Parser struct {
	log logging.Logger

	mu sync.Mutex
	pw *io.PipeWriter

	out chan Update
}

// NewParser builds a Parser that emits onto a buffered channel of the given
// capacity. Callers should keep draining Out(); the channel only exists to
// let one Feed() call yield more than one Update without blocking.
func NewParser(log logging.Logger, queueCapacity int) *Parser {
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	p := &Parser{
		log: log,
		out: make(chan Update, queueCapacity),
	}
	p.reset()
	return p
}

// Out returns the channel Updates are delivered on.
func (p *Parser) Out() <-chan Update {
	return p.out
}

// Feed supplies the next chunk of bytes read from the connection. It never
// returns an error: parse failures are recovered internally per spec.md §4.C.
func (p *Parser) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pw == nil {
		return
	}
	_, _ = p.pw.Write(chunk)
}

// Close releases the parser's internal goroutine. Feed must not be called
// after Close.
func (p *Parser) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pw != nil {
		_ = p.pw.Close()
		p.pw = nil
	}
}

// reset discards any in-flight decode state and primes a fresh decoder.
// Writes to the outgoing pipe are serialized through p.mu against Feed so
// the synthetic root always lands before the next real byte the caller
// supplies, preserving message ordering across a reset.
func (p *Parser) reset() {
	pr, pw := io.Pipe()
	go p.decodeLoop(pr)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pw != nil {
		_ = p.pw.Close()
	}
	p.pw = pw
	_, _ = pw.Write([]byte(syntheticRoot))
}

// decodeState tracks the vector/element currently being assembled. depth
// counts element nesting below the synthetic root: 0 is "no vector open",
// 1 is "inside a def/set/new vector or a leaf command", 2 is "inside a
// def/one child element".
type decodeState struct {
	depth   int
	pending *Update
	elem    *ElementDelta
	chars   strings.Builder
}

func (p *Parser) decodeLoop(pr *io.PipeReader) {
	dec := xml.NewDecoder(pr)
	var st decodeState

	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				// Only reached when this pipe was deliberately closed
				// by Close. Not a parse failure; the stream itself never
				// produces a real EOF here, since the socket side never
				// closes our pipe.
				return
			}
			p.log.WithError(err).Warn("indi: parser encountered malformed input, resetting")
			// Restart with a fresh decoder, primed with the synthetic root,
			// on the same pipe, so Feed never writes to a pipe nobody reads.
			// Bytes the old decoder had buffered past the error are dropped
			// along with the broken fragment.
			dec = xml.NewDecoder(io.MultiReader(strings.NewReader(syntheticRoot), pr))
			st = decodeState{}
			continue
		}

		switch t := tok.(type) {
		case xml.StartElement:
			p.handleStart(&st, t, dec)
		case xml.EndElement:
			p.handleEnd(&st, t)
		case xml.CharData:
			st.chars.Write(t)
		}
	}
}

func (p *Parser) handleStart(st *decodeState, se xml.StartElement, dec *xml.Decoder) {
	name := se.Name.Local

	if name == "indiRoot" {
		return
	}

	if strings.TrimSpace(st.chars.String()) != "" {
		p.log.WithField("data", st.chars.String()).Debug("indi: parser: character data cannot be sibling of element, discarding")
	}
	st.chars.Reset()

	// A top-level tag while an update is still open means that update was
	// truncated: drop back to depth 0 so the cases below replace it.
	if st.pending != nil && st.depth > 0 && (defVectorKinds[name] != 0 || setVectorKinds[name] != 0 ||
		newVectorKinds[name] != 0 || name == "delProperty" || name == "message") {
		st.depth = 0
		st.elem = nil
	}

	attrs := attrMap(se)

	switch {
	case blobVectorTags[name]:
		p.log.WithField("tag", name).Debug("indi: parser: BLOB vectors are not supported, skipping")
		_ = dec.Skip()
		return

	case st.depth == 0 && defVectorKinds[name] != 0:
		if st.pending != nil {
			p.log.WithField("device", st.pending.Device).WithField("property", st.pending.Property).
				Warn("indi: parser: new property definition truncated a pending update, discarding it")
		}
		kind := defVectorKinds[name]
		u := &Update{Action: ActionDefineProperty, Kind: kind, Device: attrs["device"], Property: attrs["name"]}
		p.applyDefVectorAttrs(u, kind, attrs)
		st.pending = u
		st.elem = nil

	case st.depth == 0 && (setVectorKinds[name] != 0 || newVectorKinds[name] != 0):
		if st.pending != nil {
			p.log.WithField("device", st.pending.Device).WithField("property", st.pending.Property).
				Warn("indi: parser: property set truncated a pending update, discarding it")
		}
		kind := setVectorKinds[name]
		if kind == 0 {
			kind = newVectorKinds[name]
		}
		u := &Update{Action: ActionSetProperty, Kind: kind, Device: attrs["device"], Property: attrs["name"]}
		p.applySetVectorAttrs(u, attrs)
		st.pending = u
		st.elem = nil

	case st.depth == 0 && name == "delProperty":
		if st.pending != nil {
			p.log.Warn("indi: parser: delProperty truncated a pending update, discarding it")
		}
		u := &Update{Action: ActionDeleteProperty, Device: attrs["device"], Property: attrs["name"]}
		if ts, ok := attrs["timestamp"]; ok && ts != "" {
			if parsed, err := ParseTimestamp(ts); err == nil {
				u.Timestamp, u.HasTimestamp = parsed, true
			}
		}
		st.pending = u

	case st.depth == 0 && name == "message":
		if st.pending != nil {
			p.log.Warn("indi: parser: message truncated a pending update, discarding it")
		}
		u := &Update{Action: ActionMessage, Device: attrs["device"], Message: attrs["message"]}
		if ts, ok := attrs["timestamp"]; ok && ts != "" {
			if parsed, err := ParseTimestamp(ts); err == nil {
				u.Timestamp, u.HasTimestamp = parsed, true
			}
		}
		st.pending = u

	case st.depth == 1 && (defElementTags[name] || setElementTags[name]):
		if st.pending == nil {
			p.log.Debug("indi: parser: element definition/setting outside a pending update, discarding")
			_ = dec.Skip()
			return
		}
		el := &ElementDelta{Name: attrs["name"]}
		if label, ok := attrs["label"]; ok {
			el.Label, el.HasLabel = label, true
		}
		if name == "defNumber" {
			el.Format = attrs["format"]
			el.Min = parseFloatLenient(attrs["min"])
			el.Max = parseFloatLenient(attrs["max"])
			el.Step = parseFloatLenient(attrs["step"])
			el.HasNumberAttrs = true
		}
		st.elem = el

	default:
		p.log.WithField("tag", name).Warn("indi: parser: unrecognized element, skipping")
		_ = dec.Skip()
		return
	}

	st.depth++
}

func (p *Parser) handleEnd(st *decodeState, ee xml.EndElement) {
	if ee.Name.Local == "indiRoot" {
		return
	}

	st.depth--
	contents := strings.TrimSpace(st.chars.String())
	st.chars.Reset()

	switch st.depth {
	case 1:
		// Closed a def/one child element.
		if st.elem == nil || st.pending == nil {
			return
		}
		val, ok := p.coerceValue(st.pending.Kind, st.pending, contents)
		if ok {
			st.elem.Value = val
			st.pending.Elements = append(st.pending.Elements, *st.elem)
		}
		st.elem = nil

	case 0:
		// Closed a top-level vector or leaf command.
		if st.pending == nil {
			return
		}
		p.out <- *st.pending
		st.pending = nil
	}
}

func (p *Parser) applyDefVectorAttrs(u *Update, kind PropertyKind, attrs map[string]string) {
	if s, ok := attrs["state"]; ok {
		if v, err := parsePropertyState(s); err == nil {
			u.State, u.HasState = v, true
		} else {
			p.log.WithField("value", s).Warn("indi: parser: unknown property state")
		}
	}
	if s, ok := attrs["perm"]; ok {
		if v, err := parsePermission(s); err == nil {
			u.Perm, u.HasPerm = v, true
		} else {
			p.log.WithField("value", s).Warn("indi: parser: unknown property permission")
		}
	}
	if kind == KindSwitch {
		if s, ok := attrs["rule"]; ok {
			if v, err := parseSwitchRule(s); err == nil {
				u.Rule, u.HasRule = v, true
			} else {
				p.log.WithField("value", s).Warn("indi: parser: unknown switch rule")
			}
		}
	}
	if v, ok := attrs["label"]; ok {
		u.Label, u.HasLabel = v, true
	}
	if v, ok := attrs["group"]; ok {
		u.Group, u.HasGroup = v, true
	}
	if v, ok := attrs["timeout"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			u.Timeout, u.HasTimeout = n, true
		}
	}
	if v, ok := attrs["timestamp"]; ok && v != "" {
		if parsed, err := ParseTimestamp(v); err == nil {
			u.Timestamp, u.HasTimestamp = parsed, true
		}
	}
	if v, ok := attrs["message"]; ok {
		u.Message = v
	}
}

func (p *Parser) applySetVectorAttrs(u *Update, attrs map[string]string) {
	if s, ok := attrs["state"]; ok {
		if v, err := parsePropertyState(s); err == nil {
			u.State, u.HasState = v, true
		} else {
			p.log.WithField("value", s).Warn("indi: parser: unknown property state")
		}
	}
	if v, ok := attrs["timeout"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			u.Timeout, u.HasTimeout = n, true
		}
	}
	if v, ok := attrs["timestamp"]; ok && v != "" {
		if parsed, err := ParseTimestamp(v); err == nil {
			u.Timestamp, u.HasTimestamp = parsed, true
		}
	}
	if v, ok := attrs["message"]; ok {
		u.Message = v
	}
}

// coerceValue implements spec.md §4.C's element-close value coercion. ok is
// false when the element must be dropped (an unrecognized switch/light
// literal) without aborting the rest of the pending update.
func (p *Parser) coerceValue(kind PropertyKind, u *Update, contents string) (Value, bool) {
	if contents == "" {
		return UnsetValue(kind), true
	}
	switch kind {
	case KindNumber:
		f, err := strconv.ParseFloat(contents, 64)
		if err != nil {
			p.log.WithField("device", u.Device).WithField("property", u.Property).WithField("value", contents).
				Warn("indi: parser: could not parse number, using NaN")
			f = nan()
		}
		return NumberValue(f), true
	case KindText:
		return TextValue(contents), true
	case KindSwitch:
		v, err := parseSwitchState(contents)
		if err != nil {
			p.log.WithField("value", contents).Warn("indi: parser: unknown switch state, dropping element")
			return Value{}, false
		}
		return NewSwitchValue(v), true
	case KindLight:
		v, err := parsePropertyState(contents)
		if err != nil {
			p.log.WithField("value", contents).Warn("indi: parser: unknown light state, dropping element")
			return Value{}, false
		}
		return NewLightValue(v), true
	default:
		return Value{}, false
	}
}

func attrMap(se xml.StartElement) map[string]string {
	m := make(map[string]string, len(se.Attr))
	for _, a := range se.Attr {
		m[a.Name.Local] = a.Value
	}
	return m
}

func parseFloatLenient(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func nan() float64 {
	var zero float64
	return zero / zero
}
