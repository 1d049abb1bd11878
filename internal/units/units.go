// Package units provides shared constants and validation for track speed units
package units

// Unit constants
const (
	PXF = "pxf" // pixels per frame
	PXS = "pxs" // pixels per second
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{PXF, PXS}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "pxf, pxs"
}

// ConvertSpeed converts a speed from pixels per frame to the target units.
// Track state stores speeds in px/frame (displacement between consecutive
// frames); converting to px/s needs the sequence frame rate.
func ConvertSpeed(speedPxf float64, targetUnits string, fps float64) float64 {
	switch targetUnits {
	case PXS:
		if fps <= 0 {
			return speedPxf
		}
		return speedPxf * fps
	case PXF:
		return speedPxf // no conversion needed
	default:
		return speedPxf // default to px/frame if unknown unit
	}
}
