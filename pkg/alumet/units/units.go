// Package units defines the base units and SI prefixes that a metric
// descriptor may carry. It has no dependency on any other alumet package.
package units

import "fmt"

// Unit is a base physical unit a metric can be expressed in.
type Unit int

const (
	// Unity is the dimensionless unit, for counts and ratios.
	Unity Unit = iota
	Second
	Watt
	Joule
	Byte
	Percent
)

func (u Unit) String() string {
	switch u {
	case Unity:
		return ""
	case Second:
		return "s"
	case Watt:
		return "W"
	case Joule:
		return "J"
	case Byte:
		return "B"
	case Percent:
		return "%"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// Prefix is an SI magnitude prefix applied to a Unit.
type Prefix int

const (
	// None applies no scaling.
	None Prefix = iota
	Nano
	Micro
	Milli
	Kilo
	Mega
	Giga
)

func (p Prefix) String() string {
	switch p {
	case None:
		return ""
	case Nano:
		return "n"
	case Micro:
		return "µ"
	case Milli:
		return "m"
	case Kilo:
		return "k"
	case Mega:
		return "M"
	case Giga:
		return "G"
	default:
		return fmt.Sprintf("Prefix(%d)", int(p))
	}
}

// PrefixedUnit is a base Unit together with an optional SI Prefix, e.g.
// "milliwatt" or plain "second".
type PrefixedUnit struct {
	Prefix Prefix
	Base   Unit
}

// Plain wraps a Unit with no prefix. Most metric descriptors use this.
func Plain(u Unit) PrefixedUnit {
	return PrefixedUnit{Prefix: None, Base: u}
}

// String renders the unit the way a metric description would print it,
// e.g. "mW" or "s".
func (pu PrefixedUnit) String() string {
	return pu.Prefix.String() + pu.Base.String()
}
