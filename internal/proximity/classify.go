// Package proximity maps the closest conditioned distance to a discrete
// category.
package proximity

import (
	"errors"
	"fmt"
)

// Category is the proximity class of the nearest object.
type Category int

const (
	Clear Category = iota
	ObjectDetected
	Slow
	Stop
)

// ErrInvalidThresholds is returned when breakpoints are not strictly increasing.
var ErrInvalidThresholds = errors.New("invalid proximity thresholds")

var labels = [...]string{
	Clear:          "clear",
	ObjectDetected: "object_detected",
	Slow:           "slow",
	Stop:           "stop",
}

var messages = [...]string{
	Clear:          "Clear",
	ObjectDetected: "Object detected",
	Slow:           "Slow",
	Stop:           "Stop",
}

// String returns the machine label used in logs and the database.
func (c Category) String() string {
	if c < 0 || int(c) >= len(labels) {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return labels[c]
}

// Message returns the operator-facing event text.
func (c Category) Message() string {
	if c < 0 || int(c) >= len(messages) {
		return c.String()
	}
	return messages[c]
}

// MarshalText encodes the category as its label.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, error) {
	for i, l := range labels {
		if l == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown proximity category %q", s)
}

// Thresholds are the lower bounds of the Slow, ObjectDetected and Clear
// bands. Intervals are closed below and open above:
//
//	d <  Stop            -> Stop
//	Stop   <= d < Slow   -> Slow
//	Slow   <= d < Object -> ObjectDetected
//	d >= Object          -> Clear
type Thresholds struct {
	Stop   int `json:"stop" yaml:"stop"`
	Slow   int `json:"slow" yaml:"slow"`
	Object int `json:"object" yaml:"object"`
}

// DefaultThresholds are the breakpoints used by the sensor rig: 50, 150, 300.
func DefaultThresholds() Thresholds {
	return Thresholds{Stop: 50, Slow: 150, Object: 300}
}

// Validate checks that the breakpoints are strictly increasing.
func (t Thresholds) Validate() error {
	if !(t.Stop < t.Slow && t.Slow < t.Object) {
		return fmt.Errorf("%w: need stop < slow < object, got %d/%d/%d", ErrInvalidThresholds, t.Stop, t.Slow, t.Object)
	}
	return nil
}

// Classify returns the category for minDistance. Every integer maps to
// exactly one category.
func (t Thresholds) Classify(minDistance int) Category {
	switch {
	case minDistance < t.Stop:
		return Stop
	case minDistance < t.Slow:
		return Slow
	case minDistance < t.Object:
		return ObjectDetected
	default:
		return Clear
	}
}

// Classify applies DefaultThresholds.
func Classify(minDistance int) Category {
	return DefaultThresholds().Classify(minDistance)
}
