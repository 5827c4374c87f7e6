package models

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestObservation_Validate(t *testing.T) {
	valid := Observation{Name: "cpu", Value: 42.5, Timestamp: time.Now()}
	if err := valid.Validate(); err != nil {
		t.Errorf("Valid observation rejected: %v", err)
	}

	invalid := []Observation{
		{Name: "", Value: 1},
		{Name: "m", Value: math.NaN()},
		{Name: "m", Value: math.Inf(1)},
		{Name: "m", Value: math.Inf(-1)},
	}
	for _, obs := range invalid {
		err := obs.Validate()
		if err == nil {
			t.Errorf("Expected validation error for %+v", obs)
			continue
		}
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Error must wrap ErrValidation, got %v", err)
		}
	}
}

func TestObservation_TagString(t *testing.T) {
	obs := Observation{Name: "cpu", Tags: map[string]string{
		"zone": "b",
		"host": "a",
	}}
	if got := obs.TagString(); got != "host=a,zone=b" {
		t.Errorf("Expected sorted tag string, got %q", got)
	}

	// Same tags in any map construction order give the same key
	other := Observation{Name: "cpu", Tags: map[string]string{
		"host": "a",
		"zone": "b",
	}}
	if obs.TagString() != other.TagString() {
		t.Error("Tag string must be order-independent")
	}

	empty := Observation{Name: "cpu"}
	if empty.TagString() != "" {
		t.Errorf("Expected empty tag string, got %q", empty.TagString())
	}
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	a := NewEvent(EventMetricCollected, "test", nil)
	b := NewEvent(EventMetricCollected, "test", nil)

	if a.ID == b.ID {
		t.Error("Events must get unique IDs")
	}
	if a.CreatedAt.IsZero() {
		t.Error("Event must carry a creation timestamp")
	}
	if a.Type != EventMetricCollected || a.Source != "test" {
		t.Errorf("Unexpected event fields: %+v", a)
	}
}

func TestWindow_SealRejectsAppend(t *testing.T) {
	w := Window{ID: "w1", Type: WindowTumbling}
	obs := Observation{Name: "m", Value: 1, Timestamp: time.Now()}

	if err := w.Append(obs); err != nil {
		t.Fatalf("Append to open window failed: %v", err)
	}

	w.Seal()
	if err := w.Append(obs); err == nil {
		t.Error("Append to sealed window must fail")
	}
	if len(w.Elements) != 1 {
		t.Errorf("Expected 1 element, got %d", len(w.Elements))
	}
}

func TestWindow_ValuesAndTimestamps(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	w := Window{ID: "w1", Type: WindowTumbling}
	for i, v := range []float64{3, 1, 2} {
		w.Append(Observation{Name: "m", Value: v, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	values := w.Values()
	if len(values) != 3 || values[0] != 3 || values[2] != 2 {
		t.Errorf("Values must preserve arrival order, got %v", values)
	}

	ts := w.Timestamps()
	if len(ts) != 3 || !ts[1].Equal(base.Add(time.Second)) {
		t.Errorf("Unexpected timestamps: %v", ts)
	}
}
