package k1

import "fmt"

// Lane is one of the six logical timing positions. A device may implement
// fewer lanes physically.
type Lane int

const (
	LaneA Lane = iota
	LaneB
	LaneC
	LaneD
	LaneE
	LaneF
)

// MaxLaneCount is the number of logical lanes the protocol reports.
const MaxLaneCount = 6

// Letter returns the wire letter of the lane ('A'..'F').
func (l Lane) Letter() byte { return 'A' + byte(l) }

func (l Lane) String() string {
	if l < LaneA || l > LaneF {
		return fmt.Sprintf("Lane(%d)", int(l))
	}
	return "Lane" + string(l.Letter())
}

// LaneCount is a number of lanes, 0..6.
type LaneCount int

// Place is a finishing place. NoPlace is 7 so that a greater value is always
// a worse place.
type Place int

const (
	First   Place = 1
	Second  Place = 2
	Third   Place = 3
	Fourth  Place = 4
	Fifth   Place = 5
	Sixth   Place = 6
	NoPlace Place = 7
)

// placeSymbols maps the results token to a place; index = place.
// Index 0 and 7 are the space used for "no place".
var placeSymbols = [...]byte{' ', '!', '"', '#', '$', '%', '&', ' '}

// placeFromSymbol decodes a results token. Unknown tokens are NoPlace.
func placeFromSymbol(c byte) Place {
	switch c {
	case '!':
		return First
	case '"':
		return Second
	case '#':
		return Third
	case '$':
		return Fourth
	case '%':
		return Fifth
	case '&':
		return Sixth
	default:
		return NoPlace
	}
}

// Symbol returns the results token for the place.
func (p Place) Symbol() byte {
	if p < First || p > NoPlace {
		return ' '
	}
	return placeSymbols[p]
}

// DataFormat is the results format the device is configured to emit.
type DataFormat int

const (
	FormatOld DataFormat = 0
	FormatNew DataFormat = 1
)

func (f DataFormat) String() string {
	if f == FormatOld {
		return "old"
	}
	return "new"
}

// Feature identifies one bit of the RF feature response.
type Feature int

const (
	FeatureUnused Feature = iota
	FeatureCountDownClock
	FeatureLaserReset    // LR
	FeatureForcePrint    // RA
	FeatureEliminator    // LE / RE
	FeatureReverseLanes  // RL0..RL6
	FeatureMaskLane      // MA..MF, MG
	FeatureSerialData
)

// FeatureCount is the number of flags in a features response.
const FeatureCount = 8

var featureNames = [FeatureCount]string{
	"unused", "countDownClock", "laserReset", "forcePrint",
	"eliminatorMode", "reverseLanes", "maskLane", "serialData",
}

func (f Feature) String() string {
	if f < 0 || int(f) >= FeatureCount {
		return fmt.Sprintf("Feature(%d)", int(f))
	}
	return featureNames[f]
}

// FeatureSet holds the flags of a features response in wire order.
type FeatureSet [FeatureCount]bool

// Has reports whether the feature flag is set.
func (fs FeatureSet) Has(f Feature) bool {
	if f < 0 || int(f) >= FeatureCount {
		return false
	}
	return fs[f]
}

// DeviceMode is the state reported by the RM command.
type DeviceMode struct {
	ReversedLaneCount LaneCount          `json:"reversedLaneCount"`
	LaneMasked        [MaxLaneCount]bool `json:"laneMasked"`
	LanesReversed     bool               `json:"lanesReversed"`
	EliminatorMode    bool               `json:"eliminatorMode"`
	DataFormat        DataFormat         `json:"dataFormat"`
}

// defaultMode is the mode a freshly reset ReadModeCommand reports.
func defaultMode() DeviceMode {
	return DeviceMode{DataFormat: FormatNew}
}
