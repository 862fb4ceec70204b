package matrix

import "fmt"

// Flag classifies how one browser supports one feature.
type Flag byte

const (
	// Unsupported never counts.
	Unsupported Flag = '0'

	// Supported counts whenever the browser has a share.
	Supported Flag = '1'

	// VendorPrefixed counts only with vendor properties enabled.
	VendorPrefixed Flag = 'b'

	// IEFilter counts only with IE filters enabled.
	IEFilter Flag = 'f'

	// Unknown is reserved for columns without research data. Never counts.
	Unknown Flag = 'x'
)

// ParseFlag converts a flag character to a Flag.
func ParseFlag(c byte) (Flag, error) {
	switch f := Flag(c); f {
	case Unsupported, Supported, VendorPrefixed, IEFilter, Unknown:
		return f, nil
	default:
		return 0, fmt.Errorf("unknown support flag %q", c)
	}
}

// String returns the descriptive name of the flag.
func (f Flag) String() string {
	switch f {
	case Unsupported:
		return "unsupported"
	case Supported:
		return "supported"
	case VendorPrefixed:
		return "vendor-prefixed"
	case IEFilter:
		return "ie-filter"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("Flag(%q)", byte(f))
	}
}

// Toggle ids reserved for the option flags in encoded state. No category
// may use them.
const (
	VendorPropertiesToggle = "v"
	IEFiltersToggle        = "i"
)

// Options gates the conditional flags.
type Options struct {
	VendorProperties bool `json:"vendor_properties"`
	IEFilters        bool `json:"ie_filters"`
}

// Counts reports whether a browser share counts towards a feature with this
// flag under the given options.
func (f Flag) Counts(opts Options) bool {
	switch f {
	case Supported:
		return true
	case VendorPrefixed:
		return opts.VendorProperties
	case IEFilter:
		return opts.IEFilters
	default:
		return false
	}
}
