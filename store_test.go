package indi

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defineNumberUpdate(device, property, element string, value float64) Update {
	return Update{
		Action:   ActionDefineProperty,
		Device:   device,
		Property: property,
		Kind:     KindNumber,
		State:    StateIdle, HasState: true,
		Perm: PermReadWrite, HasPerm: true,
		Elements: []ElementDelta{{Name: element, Value: NumberValue(value)}},
	}
}

func TestStore_DefineThenSet(t *testing.T) {
	s := NewStore(testLogger())

	changed := s.Apply(defineNumberUpdate("tele", "pos", "ra", 1.0))
	assert.True(t, changed)

	require.True(t, s.HasProperty("tele", "pos"))
	v, err := s.Get("tele", "pos", "ra")
	require.NoError(t, err)
	n, ok := v.Number()
	require.True(t, ok)
	assert.Equal(t, 1.0, n)

	changed = s.Apply(Update{
		Action: ActionSetProperty, Device: "tele", Property: "pos", Kind: KindNumber,
		Elements: []ElementDelta{{Name: "ra", Value: NumberValue(2.0)}},
	})
	assert.True(t, changed)

	v, err = s.Get("tele", "pos", "ra")
	require.NoError(t, err)
	n, _ = v.Number()
	assert.Equal(t, 2.0, n)

	// Setting to the same value again reports no change.
	changed = s.Apply(Update{
		Action: ActionSetProperty, Device: "tele", Property: "pos", Kind: KindNumber,
		Elements: []ElementDelta{{Name: "ra", Value: NumberValue(2.0)}},
	})
	assert.False(t, changed)
}

func TestStore_DeleteDevice(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 1.0))
	require.True(t, s.HasProperty("tele", "pos"))

	changed := s.Apply(Update{Action: ActionDeleteProperty, Device: "tele"})
	assert.True(t, changed)
	assert.False(t, s.HasProperty("tele", "pos"))
}

func TestStore_MessageAppendsToDeviceLog(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 1.0))

	changed := s.Apply(Update{Action: ActionMessage, Device: "tele", Message: "slew complete"})
	assert.True(t, changed)

	changed = s.Apply(Update{Action: ActionMessage, Device: "tele", Message: "parked"})
	assert.True(t, changed)

	dev := s.Device("tele")
	require.Len(t, dev.Messages, 2)
	assert.Equal(t, "slew complete", dev.Messages[0].Text)
	assert.Equal(t, "parked", dev.Messages[1].Text)
}

func TestStore_MessageForUndefinedDeviceIgnored(t *testing.T) {
	s := NewStore(testLogger())
	changed := s.Apply(Update{Action: ActionMessage, Device: "ghost", Message: "hello"})
	assert.False(t, changed)
	assert.Nil(t, s.Device("ghost"))
}

func TestStore_DeleteSingleProperty(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 1.0))
	s.Apply(Update{
		Action: ActionDefineProperty, Device: "tele", Property: "other", Kind: KindText,
		Elements: []ElementDelta{{Name: "e", Value: TextValue("x")}},
	})

	s.Apply(Update{Action: ActionDeleteProperty, Device: "tele", Property: "pos"})
	assert.False(t, s.HasProperty("tele", "pos"))
	assert.True(t, s.HasProperty("tele", "other"))
}

func TestStore_RedefinitionAlwaysCountsAsChanged(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 1.0))

	// Redefine with a different value in the message: the prior value wins
	// (spec.md §3), but changed is still reported true so watchers refresh.
	changed := s.Apply(defineNumberUpdate("tele", "pos", "ra", 99.0))
	assert.True(t, changed)

	v, err := s.Get("tele", "pos", "ra")
	require.NoError(t, err)
	n, _ := v.Number()
	assert.Equal(t, 1.0, n, "redefinition keeps the prior value")
}

func TestStore_RedefineIdenticalElementDoesNotFireElementWatcher(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 1.0))

	fired := 0
	_, err := s.WatchElement("tele", "pos", "ra", func(Update) { fired++ })
	require.NoError(t, err)

	// An identical redefinition changes nothing about the element itself
	// (value is kept, label/number-attrs are absent both times), so its
	// watcher must not fire even though the property-level apply succeeds.
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 1.0))
	assert.Equal(t, 0, fired, "redefining an element with nothing new must not fire its watcher")

	labeled := defineNumberUpdate("tele", "pos", "ra", 1.0)
	labeled.Elements[0].Label, labeled.Elements[0].HasLabel = "Right Ascension", true
	s.Apply(labeled)
	assert.Equal(t, 1, fired, "a changed label on the element must fire its watcher")
}

func TestStore_PermissionDeniedOnReadOnly(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(Update{
		Action: ActionDefineProperty, Device: "tele", Property: "pos", Kind: KindNumber,
		Perm: PermReadOnly, HasPerm: true,
		Elements: []ElementDelta{{Name: "ra", Value: NumberValue(1.0)}},
	})

	_, err := s.Assign("tele", "pos", "ra", NumberValue(5.0))
	require.ErrorIs(t, err, ErrPermission)

	v, _ := s.Get("tele", "pos", "ra")
	n, _ := v.Number()
	assert.Equal(t, 1.0, n, "a denied assignment must not mutate the store")
}

func TestStore_LightsAreAlwaysReadOnly(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(Update{
		Action: ActionDefineProperty, Device: "tele", Property: "status", Kind: KindLight,
		Elements: []ElementDelta{{Name: "ok", Value: NewLightValue(StateOk)}},
	})

	_, err := s.Assign("tele", "status", "ok", NewLightValue(StateAlert))
	require.ErrorIs(t, err, ErrPermission)
}

func TestStore_AssignCarriesDefinedNumberFormat(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(Update{
		Action: ActionDefineProperty, Device: "tele", Property: "pos", Kind: KindNumber,
		Perm: PermReadWrite, HasPerm: true,
		Elements: []ElementDelta{{
			Name: "ra", Value: NumberValue(1.0),
			Format: "%.3f", HasNumberAttrs: true,
		}},
	})

	u, err := s.Assign("tele", "pos", "ra", NumberValue(2.5))
	require.NoError(t, err)
	require.Len(t, u.Elements, 1)
	assert.Equal(t, "%.3f", u.Elements[0].Format)
}

func TestStore_AssignUnknownLookupError(t *testing.T) {
	s := NewStore(testLogger())
	_, err := s.Assign("missing", "prop", "el", NumberValue(1))
	require.Error(t, err)
	var lookupErr *LookupError
	require.ErrorAs(t, err, &lookupErr)
	assert.Equal(t, "device", lookupErr.Component)
}

func TestStore_AssignNumberEchoesFullVector(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(Update{
		Action: ActionDefineProperty, Device: "tele", Property: "pos", Kind: KindNumber,
		Perm: PermReadWrite, HasPerm: true,
		Elements: []ElementDelta{
			{Name: "ra", Value: NumberValue(1.0)},
			{Name: "dec", Value: NumberValue(2.0)},
		},
	})

	u, err := s.Assign("tele", "pos", "ra", NumberValue(9.0))
	require.NoError(t, err)
	require.Len(t, u.Elements, 2, "number vectors echo every element")

	state, ok := s.PropertyState("tele", "pos")
	require.True(t, ok)
	assert.Equal(t, StateBusy, state)
}

func TestStore_AssignSwitchEchoesOnlyChangedElement(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(Update{
		Action: ActionDefineProperty, Device: "cam", Property: "CONNECTION", Kind: KindSwitch,
		Perm: PermReadWrite, HasPerm: true, Rule: RuleOneOfMany, HasRule: true,
		Elements: []ElementDelta{
			{Name: "CONNECT", Value: NewSwitchValue(SwitchOff)},
			{Name: "DISCONNECT", Value: NewSwitchValue(SwitchOn)},
		},
	})

	u, err := s.Assign("cam", "CONNECTION", "CONNECT", NewSwitchValue(SwitchOn))
	require.NoError(t, err)
	require.Len(t, u.Elements, 1)
	assert.Equal(t, "CONNECT", u.Elements[0].Name)
}

func TestStore_HistoryBoundedAtMaxElementHistory(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 0))

	for i := 1; i <= MaxElementHistory+10; i++ {
		s.Apply(Update{
			Action: ActionSetProperty, Device: "tele", Property: "pos", Kind: KindNumber,
			Elements: []ElementDelta{{Name: "ra", Value: NumberValue(float64(i))}},
		})
	}

	dev := s.Device("tele")
	require.NotNil(t, dev)
	prop := dev.Property("pos")
	require.NotNil(t, prop)
	el := prop.Element("ra")
	require.NotNil(t, el)
	assert.Len(t, el.History, MaxElementHistory)
	last, _ := el.History[len(el.History)-1].Value.Number()
	assert.Equal(t, float64(MaxElementHistory+10), last)
}

func TestStore_WatcherFanOutOrder(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 0))

	var order []string
	elID, err := s.WatchElement("tele", "pos", "ra", func(Update) { order = append(order, "element") })
	require.NoError(t, err)
	defer s.UnwatchElement("tele", "pos", "ra", elID)

	propID, err := s.WatchProperty("tele", "pos", func(Update) { order = append(order, "property") })
	require.NoError(t, err)
	defer s.UnwatchProperty("tele", "pos", propID)

	devID := s.WatchDevice("tele", func(Update) { order = append(order, "device") })
	defer s.UnwatchDevice("tele", devID)

	clientID := s.Watch(func(Update) { order = append(order, "client") })
	defer s.Unwatch(clientID)

	s.Apply(Update{
		Action: ActionSetProperty, Device: "tele", Property: "pos", Kind: KindNumber,
		Elements: []ElementDelta{{Name: "ra", Value: NumberValue(5)}},
	})

	assert.Equal(t, []string{"element", "property", "device", "client"}, order)
}

func TestStore_WatcherPanicDoesNotStopOthers(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 0))

	called := false
	s.Watch(func(Update) { panic("boom") })
	s.Watch(func(Update) { called = true })

	s.Apply(Update{
		Action: ActionSetProperty, Device: "tele", Property: "pos", Kind: KindNumber,
		Elements: []ElementDelta{{Name: "ra", Value: NumberValue(5)}},
	})

	assert.True(t, called)
}

func TestDevice_GroupsSortedAlphabetically(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(Update{
		Action: ActionDefineProperty, Device: "tele", Property: "b_prop", Kind: KindNumber, Group: "Motion", HasGroup: true,
		Elements: []ElementDelta{{Name: "e", Value: NumberValue(0)}},
	})
	s.Apply(Update{
		Action: ActionDefineProperty, Device: "tele", Property: "a_prop", Kind: KindNumber, Group: "Motion", HasGroup: true,
		Elements: []ElementDelta{{Name: "e", Value: NumberValue(0)}},
	})

	groups := s.Device("tele").Groups()
	assert.Equal(t, []string{"a_prop", "b_prop"}, groups["Motion"])
}

func TestStore_ExportImportSnapshot(t *testing.T) {
	s := NewStore(testLogger())
	s.Apply(defineNumberUpdate("tele", "pos", "ra", 1.5))

	fs := afero.NewMemMapFs()
	require.NoError(t, s.ExportSnapshot(fs, "/snap.json"))

	snap, err := ImportSnapshot(fs, "/snap.json")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "tele", snap[0].Name)
}

func TestStore_SnapshotCarriesMessageAndHistory(t *testing.T) {
	s := NewStore(testLogger())
	u := defineNumberUpdate("tele", "pos", "ra", 1.5)
	u.Message = "slewing"
	s.Apply(u)
	s.Apply(Update{
		Action: ActionSetProperty, Device: "tele", Property: "pos", Kind: KindNumber,
		Elements: []ElementDelta{{Name: "ra", Value: NumberValue(2.5)}},
	})

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	require.Len(t, snap[0].Properties, 1)
	ps := snap[0].Properties[0]
	assert.Equal(t, "slewing", ps.LastMessage)
	assert.NotEmpty(t, ps.LastSeen)
	require.Len(t, ps.Elements, 1)
	es := ps.Elements[0]
	require.Len(t, es.Times, 2)
	require.Len(t, es.Values, 2)
	assert.Equal(t, 1.5, es.Values[0])
	assert.Equal(t, 2.5, es.Values[1])
}

func TestElement_AppendHistoryTimestampOrdering(t *testing.T) {
	el := newElement("ra", KindNumber)
	t1 := time.Now()
	t2 := t1.Add(time.Second)
	el.appendHistory(t1, NumberValue(1))
	el.appendHistory(t2, NumberValue(2))
	require.Len(t, el.History, 2)
	assert.True(t, el.History[1].Timestamp.After(el.History[0].Timestamp))
}
