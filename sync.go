package indi

import (
	"context"
	"sync"
	"time"
)

// WaitTarget describes one property a WaitForState call is waiting on: a
// map of element name to the value it must hold, or a custom Predicate
// evaluated against the property's current State once it leaves Busy.
// When Values is set, WaitForState also submits it as an assignment (see
// WaitForState), so a target both drives and waits for the requested state.
type WaitTarget struct {
	// Values, if non-nil, must all match before the property is considered
	// satisfied, and are submitted as assignments when WaitForState starts.
	Values map[string]Value

	// Predicate, if set, is consulted instead of Values.
	Predicate func(*Property) bool
}

// WaitForProperties blocks until every "device.property" id in ids has been
// defined, polling at roughly 1Hz like purepyindi's wait_for_properties,
// or until timeout elapses.
func (c *Client) WaitForProperties(ctx context.Context, ids []string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		if allDefined(c.store, ids) {
			return time.Since(start), nil
		}
		if time.Now().After(deadline) {
			return time.Since(start), ErrTimeout
		}
		wait := time.Second
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-time.After(wait):
		}
	}
}

func allDefined(store *Store, ids []string) bool {
	for _, id := range ids {
		device, property, ok := splitPropertyID(id)
		if !ok || !store.HasProperty(device, property) {
			return false
		}
	}
	return true
}

func splitPropertyID(id string) (device, property string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '.' {
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}

// WaitForState blocks until every device.property named in targets
// satisfies its WaitTarget, evaluated each time that property leaves Busy,
// or until timeout elapses. Already-satisfied properties are recognized
// immediately without waiting for a subsequent update, per spec.md §4.H.
func (c *Client) WaitForState(ctx context.Context, targets map[string]WaitTarget, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	done := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(done) }) }

	check := func() {
		for id, t := range targets {
			device, property, ok := splitPropertyID(id)
			if !ok {
				continue
			}
			dev := c.store.Device(device)
			if dev == nil {
				return
			}
			prop := dev.Property(property)
			if prop == nil || prop.State == StateBusy {
				return
			}
			if !targetSatisfied(prop, t) {
				return
			}
		}
		signal()
	}

	var unregister []func()
	defer func() {
		for _, fn := range unregister {
			fn()
		}
	}()

	for id := range targets {
		device, property, ok := splitPropertyID(id)
		if !ok {
			return time.Since(start), &LookupError{Identifier: id, Component: "property", Missing: id}
		}
		watchID, err := c.store.WatchProperty(device, property, func(Update) { check() })
		if err != nil {
			return time.Since(start), err
		}
		dev, prop := device, property
		unregister = append(unregister, func() { c.store.UnwatchProperty(dev, prop, watchID) })
	}

	// Evaluate the already-satisfied fast path before waiting on anything,
	// then submit every target value as an assignment: purepyindi's
	// wait_for_state does this unconditionally (it sets element.value right
	// after registering the watcher), so this helper both waits for AND
	// drives the requested state rather than only observing it.
	check()
	for id, t := range targets {
		device, property, _ := splitPropertyID(id)
		for element, v := range t.Values {
			if err := c.setElement(device, property, element, v); err != nil {
				c.log.WithField("id", id).WithField("element", element).WithError(err).
					Warn("indi: wait_for_state: could not submit target value")
			}
		}
	}

	select {
	case <-done:
		return time.Since(start), nil
	case <-time.After(timeout):
		return time.Since(start), ErrTimeout
	case <-ctx.Done():
		return time.Since(start), ctx.Err()
	}
}

func targetSatisfied(prop *Property, t WaitTarget) bool {
	if t.Predicate != nil {
		return t.Predicate(prop)
	}
	for name, want := range t.Values {
		el := prop.Element(name)
		if el == nil || !el.Value.Equal(want) {
			return false
		}
	}
	return true
}
