package indi

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rickbassham/logging"
	"github.com/spf13/afero"
)

// HistoryEntry is one (timestamp, value) pair kept for an element.
type HistoryEntry struct {
	Timestamp time.Time
	Value     Value
}

// Element is one leaf value within a Property, with its bounded history.
type Element struct {
	Name     string
	Label    string
	HasLabel bool
	Kind     PropertyKind
	Value    Value
	History  []HistoryEntry

	Format         string
	Min, Max, Step float64
	HasNumberAttrs bool

	watchers *watcherSet
}

func newElement(name string, kind PropertyKind) *Element {
	return &Element{Name: name, Kind: kind, watchers: newWatcherSet()}
}

// appendHistory records a new value, discarding the oldest entry once the
// history exceeds MaxElementHistory (spec.md invariant 5).
func (e *Element) appendHistory(ts time.Time, v Value) {
	e.History = append(e.History, HistoryEntry{Timestamp: ts, Value: v})
	if len(e.History) > MaxElementHistory {
		e.History = e.History[len(e.History)-MaxElementHistory:]
	}
}

// Property is one def/set vector: a named, kinded, permissioned group of
// Elements, in server-definition order.
type Property struct {
	Device string
	Name   string
	Kind   PropertyKind
	State  PropertyState
	Perm   Permission
	Rule   SwitchRule // only meaningful when Kind == KindSwitch
	Label  string
	Group  string

	Timeout int

	// LastMessage is the most recent message attribute reported alongside a
	// def/set for this property; empty if the device has never sent one.
	LastMessage string
	// LastSeen is the UTC timestamp of the most recent def/set this
	// property was touched by.
	LastSeen time.Time

	elements *orderedMap[*Element]
	watchers *watcherSet
}

func newProperty(device, name string, kind PropertyKind) *Property {
	return &Property{
		Device:   device,
		Name:     name,
		Kind:     kind,
		Perm:     PermReadWrite,
		elements: newOrderedMap[*Element](),
		watchers: newWatcherSet(),
	}
}

// ElementNames returns this property's elements in definition order.
func (p *Property) ElementNames() []string {
	return p.elements.Keys()
}

// Element returns the named element, or nil if it doesn't exist.
func (p *Property) Element(name string) *Element {
	el, _ := p.elements.Get(name)
	return el
}

// DeviceMessage is one {timestamp, text} entry in a Device's message log,
// appended whenever the server sends a device-scoped `message` tag.
type DeviceMessage struct {
	Timestamp time.Time
	Text      string
}

// Device is a named collection of Properties, in server-definition order.
type Device struct {
	Name string

	// Messages is every message the server has sent scoped to this device,
	// oldest first. Unbounded, matching the teacher's own Messages field.
	Messages []DeviceMessage

	properties *orderedMap[*Property]
	watchers   *watcherSet
}

func newDevice(name string) *Device {
	return &Device{Name: name, properties: newOrderedMap[*Property](), watchers: newWatcherSet()}
}

// PropertyNames returns this device's properties in definition order.
func (d *Device) PropertyNames() []string {
	return d.properties.Keys()
}

// Property returns the named property, or nil if it doesn't exist.
func (d *Device) Property(name string) *Property {
	p, _ := d.properties.Get(name)
	return p
}

// Groups returns this device's property names keyed by their Group
// attribute, with each group's names sorted alphabetically. Ungrouped
// properties fall under "". The group names, as map keys, carry no order.
func (d *Device) Groups() map[string][]string {
	out := make(map[string][]string)
	for _, name := range d.properties.Keys() {
		p, _ := d.properties.Get(name)
		out[p.Group] = append(out[p.Group], name)
	}
	for g := range out {
		sort.Strings(out[g])
	}
	return out
}

// Store is the client-side property tree: every Device, Property, and
// Element the server has defined for this connection, plus the watchers
// registered against any of those scopes. It has no knowledge of the
// socket; client.go feeds it Updates from the parser and reads back the
// Updates Assign produces to transmit. Per spec.md's Non-goals, nothing
// here is persisted across a Store's lifetime.
type Store struct {
	mu  sync.RWMutex
	log logging.Logger

	devices  *orderedMap[*Device]
	watchers *watcherSet // client-level: fires for every Update
}

// NewStore builds an empty Store.
func NewStore(log logging.Logger) *Store {
	return &Store{
		log:      log,
		devices:  newOrderedMap[*Device](),
		watchers: newWatcherSet(),
	}
}

// Apply folds one parsed or echoed Update into the tree and fires watchers,
// in element → property → device → client order (spec.md §4.D). For a set,
// changed reports whether any element's value actually differs from what
// the store held before. It is always true for an applied
// ActionDefineProperty, so that a redefinition still refreshes watchers even
// when every value is unchanged; a redefinition with a different kind is
// logged and ignored and reports false. A delete that removes something and
// a message recorded on a known device also report true.
func (s *Store) Apply(u Update) bool {
	s.mu.Lock()
	changed, touched := s.apply(u)
	s.mu.Unlock()

	for _, el := range touched.elements {
		el.watchers.fire(u, s.log)
	}
	if touched.property != nil {
		touched.property.watchers.fire(u, s.log)
	}
	if touched.device != nil {
		touched.device.watchers.fire(u, s.log)
	}
	s.watchers.fire(u, s.log)
	return changed
}

type touchedScopes struct {
	elements []*Element
	property *Property
	device   *Device
}

func (s *Store) apply(u Update) (bool, touchedScopes) {
	switch u.Action {
	case ActionDefineProperty:
		return s.applyDefine(u)
	case ActionSetProperty, ActionNewProperty:
		return s.applySet(u)
	case ActionDeleteProperty:
		return s.applyDelete(u)
	case ActionMessage:
		return s.applyMessage(u)
	default:
		return false, touchedScopes{}
	}
}

func (s *Store) applyDefine(u Update) (bool, touchedScopes) {
	ts := u.Timestamp
	if !u.HasTimestamp {
		ts = time.Now()
	}

	dev, ok := s.devices.Get(u.Device)
	if !ok {
		dev = newDevice(u.Device)
		s.devices.Set(u.Device, dev)
	}

	prop, existed := dev.properties.Get(u.Property)
	if existed && prop.Kind != u.Kind {
		s.log.WithField("device", u.Device).WithField("property", u.Property).
			Warn("indi: protocol violation: property redefined with a different kind, ignoring")
		return false, touchedScopes{}
	}
	if !existed {
		prop = newProperty(u.Device, u.Property, u.Kind)
		dev.properties.Set(u.Property, prop)
	}

	if u.HasState {
		prop.State = u.State
	}
	if u.HasPerm {
		prop.Perm = u.Perm
	}
	if u.HasRule {
		prop.Rule = u.Rule
	}
	if u.HasLabel {
		prop.Label = u.Label
	}
	if u.HasGroup {
		prop.Group = u.Group
	}
	if u.HasTimeout {
		prop.Timeout = u.Timeout
	}
	if u.Message != "" {
		prop.LastMessage = u.Message
	}
	prop.LastSeen = ts

	touched := touchedScopes{property: prop, device: dev}
	for _, ed := range u.Elements {
		el, elExisted := prop.elements.Get(ed.Name)
		if !elExisted {
			el = newElement(ed.Name, u.Kind)
			prop.elements.Set(ed.Name, el)
		}

		// An element watcher fires only when one of this element's own
		// observable fields actually differs (spec.md §4.D); a brand new
		// element always counts as changed.
		elChanged := !elExisted
		if ed.HasLabel && (!el.HasLabel || el.Label != ed.Label) {
			elChanged = true
		}
		if ed.HasNumberAttrs && (!el.HasNumberAttrs || el.Format != ed.Format || el.Min != ed.Min || el.Max != ed.Max || el.Step != ed.Step) {
			elChanged = true
		}

		if ed.HasLabel {
			el.Label, el.HasLabel = ed.Label, true
		}
		if ed.HasNumberAttrs {
			el.Format = ed.Format
			el.Min = ed.Min
			el.Max = ed.Max
			el.Step = ed.Step
			el.HasNumberAttrs = true
		}
		// A redefinition keeps the prior definition's values; only a
		// brand new element gets its defined value recorded.
		if !elExisted {
			el.Value = ed.Value
			el.appendHistory(ts, ed.Value)
		}
		if elChanged {
			touched.elements = append(touched.elements, el)
		}
	}

	return true, touched
}

func (s *Store) applySet(u Update) (bool, touchedScopes) {
	dev, ok := s.devices.Get(u.Device)
	if !ok {
		s.log.WithField("device", u.Device).Warn("indi: set received for an undefined device, ignoring")
		return false, touchedScopes{}
	}
	prop, ok := dev.properties.Get(u.Property)
	if !ok {
		s.log.WithField("device", u.Device).WithField("property", u.Property).
			Warn("indi: set received for an undefined property, ignoring")
		return false, touchedScopes{device: dev}
	}

	if u.HasState {
		prop.State = u.State
	}
	if u.HasTimeout {
		prop.Timeout = u.Timeout
	}

	ts := u.Timestamp
	if !u.HasTimestamp {
		ts = time.Now()
	}
	if u.Message != "" {
		prop.LastMessage = u.Message
	}
	prop.LastSeen = ts

	changed := false
	touched := touchedScopes{property: prop, device: dev}
	for _, ed := range u.Elements {
		el, ok := prop.elements.Get(ed.Name)
		if !ok {
			s.log.WithField("device", u.Device).WithField("property", u.Property).WithField("element", ed.Name).
				Warn("indi: set received for an undefined element, ignoring")
			continue
		}
		if !el.Value.Equal(ed.Value) {
			el.Value = ed.Value
			el.appendHistory(ts, ed.Value)
			changed = true
			touched.elements = append(touched.elements, el)
		}
	}

	return changed, touched
}

func (s *Store) applyDelete(u Update) (bool, touchedScopes) {
	dev, ok := s.devices.Get(u.Device)
	if !ok {
		return false, touchedScopes{}
	}
	if u.Property == "" {
		s.devices.Delete(u.Device)
		return true, touchedScopes{}
	}
	prop, ok := dev.properties.Get(u.Property)
	if !ok {
		return false, touchedScopes{device: dev}
	}
	dev.properties.Delete(u.Property)
	return true, touchedScopes{device: dev, property: prop}
}

// applyMessage appends a device-scoped message tag to that Device's
// message log (spec.md's SUPPLEMENTED FEATURES item 4). A message for a
// device that hasn't been defined yet is logged and dropped, matching the
// "undefined device" handling applySet already does for set*Vector.
func (s *Store) applyMessage(u Update) (bool, touchedScopes) {
	dev, ok := s.devices.Get(u.Device)
	if !ok {
		s.log.WithField("device", u.Device).Warn("indi: message received for an undefined device, ignoring")
		return false, touchedScopes{}
	}
	ts := u.Timestamp
	if !u.HasTimestamp {
		ts = time.Now()
	}
	dev.Messages = append(dev.Messages, DeviceMessage{Timestamp: ts, Text: u.Message})
	return true, touchedScopes{device: dev}
}

// Assign validates and applies a client-initiated value change, returning
// the ActionNewProperty Update the caller should transmit. The new value is
// applied to the store (and the property moved to Busy) before the caller
// ever writes to the socket: spec.md §4.F/§9 calls this out explicitly as an
// optimistic echo rather than waiting for the server's own setProperty to
// come back, so a UI reflects the user's intent immediately.
//
// Number and Text vectors echo every element (the server expects a full
// vector); Switch vectors echo only the element(s) actually being changed,
// leaving deselection of the rest of an OneOfMany/AtMostOne group to the
// device.
func (s *Store) Assign(device, property, element string, v Value) (Update, error) {
	u, touched, err := s.prepareAssign(device, property, element, v)
	if err != nil {
		return Update{}, err
	}

	for _, e := range touched.elements {
		e.watchers.fire(u, s.log)
	}
	touched.property.watchers.fire(u, s.log)
	touched.device.watchers.fire(u, s.log)
	s.watchers.fire(u, s.log)

	return u, nil
}

func (s *Store) prepareAssign(device, property, element string, v Value) (Update, touchedScopes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := device + "." + property + "." + element
	dev, ok := s.devices.Get(device)
	if !ok {
		return Update{}, touchedScopes{}, &LookupError{Identifier: id, Component: "device", Missing: device, Available: s.devices.Keys()}
	}
	prop, ok := dev.properties.Get(property)
	if !ok {
		return Update{}, touchedScopes{}, &LookupError{Identifier: id, Component: "property", Missing: property, Available: dev.properties.Keys()}
	}
	if prop.Kind == KindLight {
		return Update{}, touchedScopes{}, ErrPermission
	}
	if prop.Perm == PermReadOnly {
		return Update{}, touchedScopes{}, ErrPermission
	}
	el, ok := prop.elements.Get(element)
	if !ok {
		return Update{}, touchedScopes{}, &LookupError{Identifier: id, Component: "element", Missing: element, Available: prop.elements.Keys()}
	}
	if v.Kind != prop.Kind {
		return Update{}, touchedScopes{}, ErrType
	}
	if prop.Kind == KindSwitch {
		if sw, ok := v.Switch(); !ok || (sw != SwitchOn && sw != SwitchOff) {
			return Update{}, touchedScopes{}, ErrType
		}
	}

	now := time.Now()
	el.Value = v
	el.appendHistory(now, v)
	prop.State = StateBusy

	var elements []ElementDelta
	if prop.Kind == KindSwitch {
		elements = []ElementDelta{{Name: element, Value: v}}
	} else {
		for _, name := range prop.elements.Keys() {
			e, _ := prop.elements.Get(name)
			ed := ElementDelta{Name: name, Value: e.Value}
			if e.HasNumberAttrs {
				ed.Format, ed.HasNumberAttrs = e.Format, true
			}
			elements = append(elements, ed)
		}
	}

	u := Update{
		Action:       ActionNewProperty,
		Device:       device,
		Property:     property,
		Kind:         prop.Kind,
		Elements:     elements,
		HasTimestamp: true,
		Timestamp:    now,
	}

	return u, touchedScopes{elements: []*Element{el}, property: prop, device: dev}, nil
}

// Get looks up an element's current value by "device.property.element".
func (s *Store) Get(device, property, element string) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := device + "." + property + "." + element
	dev, ok := s.devices.Get(device)
	if !ok {
		return Value{}, &LookupError{Identifier: id, Component: "device", Missing: device, Available: s.devices.Keys()}
	}
	prop, ok := dev.properties.Get(property)
	if !ok {
		return Value{}, &LookupError{Identifier: id, Component: "property", Missing: property, Available: dev.properties.Keys()}
	}
	el, ok := prop.elements.Get(element)
	if !ok {
		return Value{}, &LookupError{Identifier: id, Component: "element", Missing: element, Available: prop.elements.Keys()}
	}
	return el.Value, nil
}

// HasProperty reports whether device.property has been defined yet.
func (s *Store) HasProperty(device, property string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices.Get(device)
	if !ok {
		return false
	}
	_, ok = dev.properties.Get(property)
	return ok
}

// Has reports whether the dotted "device.property" identifier has been
// defined yet. Unlike Get, an unknown identifier is not an error: this is a
// plain containment probe, mirroring purepyindi's Client.__contains__.
func (s *Store) Has(id string) bool {
	device, property, ok := splitPropertyID(id)
	if !ok {
		return false
	}
	return s.HasProperty(device, property)
}

// HasProperties reports whether every "device.property" id in ids has been
// defined yet. WaitForProperties polls the same check (allDefined); it is
// also exposed here since it is independently useful as a non-blocking check.
func (s *Store) HasProperties(ids []string) bool {
	return allDefined(s, ids)
}

// PropertyState returns the current state of device.property.
func (s *Store) PropertyState(device, property string) (PropertyState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices.Get(device)
	if !ok {
		return "", false
	}
	prop, ok := dev.properties.Get(property)
	if !ok {
		return "", false
	}
	return prop.State, true
}

// Devices returns the known device names in definition order.
func (s *Store) Devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.devices.Keys()...)
}

// Device returns the named device, or nil. The pointer is the store's own
// live Device, not a copy; later Updates keep mutating it.
func (s *Store) Device(name string) *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, _ := s.devices.Get(name)
	return d
}

// Watch registers a client-level watcher that fires for every Update,
// regardless of device.
func (s *Store) Watch(fn WatchFunc) uuid.UUID {
	return s.watchers.Add(fn)
}

// Unwatch removes a client-level watcher.
func (s *Store) Unwatch(id uuid.UUID) {
	s.watchers.Remove(id)
}

// WatchDevice registers a watcher that fires for every Update touching the
// named device. The device need not exist yet: WatchDevice then creates an
// empty entry for it (listed by Devices), and a later definition for that
// device fills in the same entry, so the watcher stays attached.
func (s *Store) WatchDevice(device string, fn WatchFunc) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices.Get(device)
	if !ok {
		dev = newDevice(device)
		s.devices.Set(device, dev)
	}
	return dev.watchers.Add(fn)
}

// UnwatchDevice removes a device-level watcher.
func (s *Store) UnwatchDevice(device string, id uuid.UUID) {
	s.mu.RLock()
	dev, ok := s.devices.Get(device)
	s.mu.RUnlock()
	if ok {
		dev.watchers.Remove(id)
	}
}

// WatchProperty registers a watcher scoped to device.property. Both must
// already exist, mirroring spec.md §4.H's wait_for_state precondition.
func (s *Store) WatchProperty(device, property string, fn WatchFunc) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices.Get(device)
	if !ok {
		return uuid.UUID{}, &LookupError{Identifier: device + "." + property, Component: "device", Missing: device, Available: s.devices.Keys()}
	}
	prop, ok := dev.properties.Get(property)
	if !ok {
		return uuid.UUID{}, &LookupError{Identifier: device + "." + property, Component: "property", Missing: property, Available: dev.properties.Keys()}
	}
	return prop.watchers.Add(fn), nil
}

// UnwatchProperty removes a property-level watcher.
func (s *Store) UnwatchProperty(device, property string, id uuid.UUID) {
	s.mu.RLock()
	dev, ok := s.devices.Get(device)
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.RLock()
	prop, ok := dev.properties.Get(property)
	s.mu.RUnlock()
	if ok {
		prop.watchers.Remove(id)
	}
}

// WatchElement registers a watcher scoped to a single element.
func (s *Store) WatchElement(device, property, element string, fn WatchFunc) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := device + "." + property + "." + element
	dev, ok := s.devices.Get(device)
	if !ok {
		return uuid.UUID{}, &LookupError{Identifier: id, Component: "device", Missing: device, Available: s.devices.Keys()}
	}
	prop, ok := dev.properties.Get(property)
	if !ok {
		return uuid.UUID{}, &LookupError{Identifier: id, Component: "property", Missing: property, Available: dev.properties.Keys()}
	}
	el, ok := prop.elements.Get(element)
	if !ok {
		return uuid.UUID{}, &LookupError{Identifier: id, Component: "element", Missing: element, Available: prop.elements.Keys()}
	}
	return el.watchers.Add(fn), nil
}

// UnwatchElement removes an element-level watcher.
func (s *Store) UnwatchElement(device, property, element string, id uuid.UUID) {
	s.mu.RLock()
	dev, ok := s.devices.Get(device)
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.RLock()
	prop, ok := dev.properties.Get(property)
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.RLock()
	el, ok := prop.elements.Get(element)
	s.mu.RUnlock()
	if ok {
		el.watchers.Remove(id)
	}
}

// elementSnapshot is the JSON shape one element takes in ExportSnapshot.
// History renders as parallel times/values arrays, per spec.md §4.D.
type elementSnapshot struct {
	Name   string        `json:"name"`
	Value  interface{}   `json:"value,omitempty"`
	Valid  bool          `json:"valid"`
	Times  []string      `json:"times"`
	Values []interface{} `json:"values"`
}

type propertySnapshot struct {
	Name        string            `json:"name"`
	Kind        string            `json:"kind"`
	State       string            `json:"state"`
	Perm        string            `json:"perm,omitempty"`
	Label       string            `json:"label,omitempty"`
	Group       string            `json:"group,omitempty"`
	LastMessage string            `json:"last_message,omitempty"`
	LastSeen    string            `json:"last_seen,omitempty"`
	Elements    []elementSnapshot `json:"elements"`
}

type deviceSnapshot struct {
	Name       string             `json:"name"`
	Properties []propertySnapshot `json:"properties"`
}

// Snapshot renders the entire tree as a deep, JSON-marshalable value.
func (s *Store) Snapshot() []deviceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]deviceSnapshot, 0, s.devices.Len())
	for _, dname := range s.devices.Keys() {
		dev, _ := s.devices.Get(dname)
		ds := deviceSnapshot{Name: dname}
		for _, pname := range dev.properties.Keys() {
			prop, _ := dev.properties.Get(pname)
			ps := propertySnapshot{
				Name:        pname,
				Kind:        prop.Kind.String(),
				State:       string(prop.State),
				Perm:        string(prop.Perm),
				Label:       prop.Label,
				Group:       prop.Group,
				LastMessage: prop.LastMessage,
			}
			if !prop.LastSeen.IsZero() {
				ps.LastSeen = FormatTimestamp(prop.LastSeen)
			}
			for _, ename := range prop.elements.Keys() {
				el, _ := prop.elements.Get(ename)
				ps.Elements = append(ps.Elements, valueSnapshot(el))
			}
			ds.Properties = append(ds.Properties, ps)
		}
		out = append(out, ds)
	}
	return out
}

func valueSnapshot(el *Element) elementSnapshot {
	es := elementSnapshot{Name: el.Name, Valid: el.Value.Valid, Value: renderValue(el.Value)}
	for _, h := range el.History {
		es.Times = append(es.Times, FormatTimestamp(h.Timestamp))
		es.Values = append(es.Values, renderValue(h.Value))
	}
	return es
}

// renderValue is the snapshot's native rendering of a Value: the kind's
// payload for a valid value, nil for unset.
func renderValue(v Value) interface{} {
	if !v.Valid {
		return nil
	}
	switch v.Kind {
	case KindNumber:
		n, _ := v.Number()
		return n
	case KindText:
		t, _ := v.Text()
		return t
	case KindSwitch:
		sw, _ := v.Switch()
		return string(sw)
	case KindLight:
		l, _ := v.Light()
		return string(l)
	default:
		return nil
	}
}

// ExportSnapshot writes the current tree to fs as indented JSON, a one-shot
// diagnostic dump. This is not used for reload: spec.md's Non-goals
// exclude persistence across restarts, so nothing reads this file back
// into a live Store automatically.
func (s *Store) ExportSnapshot(fs afero.Fs, path string) error {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

// ImportSnapshot reads back a file written by ExportSnapshot for offline
// inspection or test fixtures. It never mutates a live Store.
func ImportSnapshot(fs afero.Fs, path string) ([]deviceSnapshot, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var out []deviceSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
