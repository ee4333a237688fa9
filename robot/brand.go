package robot

import "strings"

// Brand identifies a controller family with its own wire protocol.
type Brand string

// Built-in controller brands.
const (
	KUKA   Brand = "KUKA"
	ABB    Brand = "ABB"
	FANUC  Brand = "FANUC"
	CNC    Brand = "CNC"
	RoboDK Brand = "RoboDK"
)

var builtinBrands = []Brand{KUKA, ABB, FANUC, CNC, RoboDK}

// BuiltinBrands returns the brands that ship with a codec.
func BuiltinBrands() []Brand {
	brands := make([]Brand, len(builtinBrands))
	copy(brands, builtinBrands)

	return brands
}

// ParseBrand normalizes a brand name.
//
// Built-in brands are matched case-insensitively, e.g. "kuka" and "Kuka" both return KUKA.
// Any other non-empty name is returned as a custom brand with surrounding spaces removed.
func ParseBrand(name string) Brand {
	name = strings.TrimSpace(name)
	for _, b := range builtinBrands {
		if strings.EqualFold(string(b), name) {
			return b
		}
	}

	return Brand(name)
}

// IsBuiltin reports whether b is one of the built-in brands.
func (b Brand) IsBuiltin() bool {
	for _, builtin := range builtinBrands {
		if b == builtin {
			return true
		}
	}

	return false
}

func (b Brand) String() string { return string(b) }
