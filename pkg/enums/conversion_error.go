package enums

// ConversionErrorCode is returned by the unit conversion gateway on failure.
type ConversionErrorCode string

const (
	ConversionMissingDensity ConversionErrorCode = "MISSING_DENSITY"
	ConversionError          ConversionErrorCode = "CONVERSION_ERROR"
	ConversionNoPath         ConversionErrorCode = "NO_PATH"
)

// IsValid reports whether the value matches a known gateway error code.
func (c ConversionErrorCode) IsValid() bool {
	switch c {
	case ConversionMissingDensity, ConversionError, ConversionNoPath:
		return true
	default:
		return false
	}
}
