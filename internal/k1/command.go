package k1

import (
	"math"
	"strconv"
)

// Command is a wire command together with the response it waits for.
type Command interface {
	Response
	// CommandString returns the bytes written to the device.
	CommandString() string
}

// command is the state shared by every command kind. Commands are always
// one-shot expectations.
type command struct {
	response
	code string
}

func newCommand(code string, g Grammar) command {
	return command{response: response{grammar: g, oneShot: true}, code: code}
}

func (c *command) CommandString() string { return c.code }

func (c *command) SetResponseData(s string) { c.setBase(s) }

// AckCommand is a fixed command whose only response is its acknowledgement.
type AckCommand struct {
	command
}

var (
	forceResultsGrammar      = ackGrammar("RA", "R")
	resetTimerGrammar        = ackGrammar("RX", "R")
	enableEliminatorGrammar  = ackGrammar("LE", "L")
	disableEliminatorGrammar = ackGrammar("RE", "R")
	resetLaserGateGrammar    = ackGrammar("LR", "L")
	disableAutoResetGrammar  = ackGrammar("LXP", "L", "LX")
	oldFormatGrammar         = ackGrammar("N0", "N")
	newFormatGrammar         = ackGrammar("N1", "N")
	resetLaneMasksGrammar    = NewGrammar(`MG\r\nAC`, `M|MG|MG\r|MG\r\n|MG\r\nA`)
)

func ack(code string, g Grammar) *AckCommand {
	return &AckCommand{command: newCommand(code, g)}
}

// NewForceResultsCommand returns RA: force the device to print results.
func NewForceResultsCommand() *AckCommand { return ack("RA", forceResultsGrammar) }

// NewResetTimerCommand returns RX: reset the timer and lights.
func NewResetTimerCommand() *AckCommand { return ack("RX", resetTimerGrammar) }

// NewEnableEliminatorCommand returns LE.
func NewEnableEliminatorCommand() *AckCommand { return ack("LE", enableEliminatorGrammar) }

// NewDisableEliminatorCommand returns RE.
func NewDisableEliminatorCommand() *AckCommand { return ack("RE", disableEliminatorGrammar) }

// NewResetLaserGateCommand returns LR.
func NewResetLaserGateCommand() *AckCommand { return ack("LR", resetLaserGateGrammar) }

// NewDisableAutomaticResetCommand returns LXP.
func NewDisableAutomaticResetCommand() *AckCommand { return ack("LXP", disableAutoResetGrammar) }

// NewOldFormatCommand returns N0.
func NewOldFormatCommand() *AckCommand { return ack("N0", oldFormatGrammar) }

// NewNewFormatCommand returns N1.
func NewNewFormatCommand() *AckCommand { return ack("N1", newFormatGrammar) }

// NewResetLaneMasksCommand returns MG. The K1 acknowledges it with
// "MG\r\nAC" rather than the usual star.
func NewResetLaneMasksCommand() *AckCommand { return ack("MG", resetLaneMasksGrammar) }

var maskLaneGrammars = func() (g [MaxLaneCount]Grammar) {
	for i := range g {
		g[i] = ackGrammar("M"+string(Lane(i).Letter()), "M")
	}
	return g
}()

// MaskLaneCommand is MA..MF: ignore a lane for the next race.
type MaskLaneCommand struct {
	command
	lane Lane
}

func NewMaskLaneCommand(lane Lane) *MaskLaneCommand {
	c := &MaskLaneCommand{}
	c.SetLane(lane)
	return c
}

// SetLane retargets the command and discards any parsed response.
// Out-of-range lanes fall back to lane F.
func (c *MaskLaneCommand) SetLane(lane Lane) {
	if lane < LaneA || lane > LaneF {
		lane = LaneF
	}
	c.lane = lane
	c.command = newCommand("M"+string(lane.Letter()), maskLaneGrammars[lane])
}

func (c *MaskLaneCommand) Lane() Lane { return c.lane }

var reverseLanesGrammars = func() (g [MaxLaneCount + 1]Grammar) {
	for i := range g {
		g[i] = ackGrammar("RL"+strconv.Itoa(i), "R", "RL")
	}
	return g
}()

// ReverseLanesCommand is RL0..RL6: reverse the numbering of the first n
// lanes; RL0 disables reversing.
type ReverseLanesCommand struct {
	command
	count LaneCount
}

func NewReverseLanesCommand(count LaneCount) *ReverseLanesCommand {
	c := &ReverseLanesCommand{}
	c.SetLaneCount(count)
	return c
}

// SetLaneCount retargets the command and discards any parsed response.
func (c *ReverseLanesCommand) SetLaneCount(count LaneCount) {
	if count < 0 {
		count = 0
	} else if count > MaxLaneCount {
		count = MaxLaneCount
	}
	c.count = count
	c.command = newCommand("RL"+strconv.Itoa(int(count)), reverseLanesGrammars[count])
}

func (c *ReverseLanesCommand) LaneCount() LaneCount { return c.count }

const (
	// ResetTimeIncrement is the step of the automatic reset delay, seconds.
	ResetTimeIncrement = 1.65
	minResetLevel      = 1
	maxResetLevel      = 15
)

// Automatic reset delay bounds, seconds.
const (
	ResetTimeMin = minResetLevel * ResetTimeIncrement
	ResetTimeMax = maxResetLevel * ResetTimeIncrement
)

var resetTimeGrammars = func() (g [maxResetLevel + 1]Grammar) {
	for lvl := minResetLevel; lvl <= maxResetLevel; lvl++ {
		g[lvl] = ackGrammar("LX"+string(rune('A'+lvl-1)), "L", "LX")
	}
	return g
}()

// resetLevel rounds seconds to the nearest increment, clamped to 1..15.
func resetLevel(seconds float64) int {
	lvl := int(seconds/ResetTimeIncrement + .5)
	if lvl < minResetLevel {
		lvl = minResetLevel
	} else if lvl > maxResetLevel {
		lvl = maxResetLevel
	}
	return lvl
}

// SetAutomaticResetTimeCommand is LXA..LXO: reset the track automatically
// a number of increments after a race.
type SetAutomaticResetTimeCommand struct {
	command
}

func NewSetAutomaticResetTimeCommand(seconds float64) *SetAutomaticResetTimeCommand {
	c := &SetAutomaticResetTimeCommand{}
	c.SetResetTime(seconds)
	return c
}

// SetResetTime retargets the command and discards any parsed response.
func (c *SetAutomaticResetTimeCommand) SetResetTime(seconds float64) {
	lvl := resetLevel(seconds)
	c.command = newCommand("LX"+string(rune('A'+lvl-1)), resetTimeGrammars[lvl])
}

// ResetTime decodes the delay the command applies, in seconds. Every
// multiple of the increment has two decimals, so the product is rounded to
// the hundredth.
func (c *SetAutomaticResetTimeCommand) ResetTime() float64 {
	lvl := int(c.code[2]-'A') + 1
	return math.Round(float64(lvl)*ResetTimeIncrement*100) / 100
}

var featuresGrammar = NewGrammar(
	`RF\r\n(0|1)(0|1)(0|1)(0|1) (0|1)(0|1)(0|1)(0|1)\r\n\*\r\n`,
	`R|RF|RF\r|RF\r\n(?:0|1){0,4}`+
		`|RF\r\n(?:0|1){4} (?:0|1){0,4}`+
		`|RF\r\n(?:0|1){4} (?:0|1){4}\r`+
		`|RF\r\n(?:0|1){4} (?:0|1){4}\r\n`+
		`|RF\r\n(?:0|1){4} (?:0|1){4}\r\n\*`+
		`|RF\r\n(?:0|1){4} (?:0|1){4}\r\n\*\r`,
)

// ReturnFeaturesCommand is RF: report the feature flags.
type ReturnFeaturesCommand struct {
	command
	features FeatureSet
}

func NewReturnFeaturesCommand() *ReturnFeaturesCommand {
	return &ReturnFeaturesCommand{command: newCommand("RF", featuresGrammar)}
}

func (c *ReturnFeaturesCommand) ResetResponseData() {
	c.command.ResetResponseData()
	c.features = FeatureSet{}
}

func (c *ReturnFeaturesCommand) SetResponseData(s string) {
	c.ResetResponseData()
	m := c.setBase(s)
	if m == nil {
		return
	}
	for i := range c.features {
		c.features[i] = m[i+1] == "1"
	}
}

// Features returns the parsed flags; all false until a response is set.
func (c *ReturnFeaturesCommand) Features() FeatureSet { return c.features }

var serialNumberGrammar = NewGrammar(
	`RS\r\n([0-9]{5})\r\n`,
	`R|RS|RS\r|RS\r\n[0-9]{0,5}|RS\r\n[0-9]{5}\r`,
)

// ReturnSerialNumberCommand is RS: report the five digit serial number.
type ReturnSerialNumberCommand struct {
	command
	serial int
}

func NewReturnSerialNumberCommand() *ReturnSerialNumberCommand {
	return &ReturnSerialNumberCommand{command: newCommand("RS", serialNumberGrammar)}
}

func (c *ReturnSerialNumberCommand) ResetResponseData() {
	c.command.ResetResponseData()
	c.serial = 0
}

func (c *ReturnSerialNumberCommand) SetResponseData(s string) {
	c.ResetResponseData()
	m := c.setBase(s)
	if m == nil {
		return
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		c.isSet = false
		return
	}
	c.serial = n
}

func (c *ReturnSerialNumberCommand) SerialNumber() int { return c.serial }

var readModeGrammar = NewGrammar(
	`RM\r\n([0-6]) (0|1)(0|1)(0|1)(0|1)(0|1)(0|1) (0|1) (0|1) (0|1)\r\n\*\r\n`,
	`R|RM|RM\r`+
		`|RM\r\n[0-6]?`+
		`|RM\r\n[0-6] (?:0|1){0,6}`+
		`|RM\r\n[0-6] (?:0|1){6} (?:0|1)?`+
		`|RM\r\n[0-6] (?:0|1){6} (?:0|1) (?:0|1)?`+
		`|RM\r\n[0-6] (?:0|1){6} (?:0|1) (?:0|1) (?:0|1)?`+
		`|RM\r\n[0-6] (?:0|1){6} (?:0|1) (?:0|1) (?:0|1)\r`+
		`|RM\r\n[0-6] (?:0|1){6} (?:0|1) (?:0|1) (?:0|1)\r\n`+
		`|RM\r\n[0-6] (?:0|1){6} (?:0|1) (?:0|1) (?:0|1)\r\n\*`+
		`|RM\r\n[0-6] (?:0|1){6} (?:0|1) (?:0|1) (?:0|1)\r\n\*\r`,
)

// ReadModeCommand is RM: report reversed lanes, masks, eliminator mode and
// data format.
type ReadModeCommand struct {
	command
	mode DeviceMode
}

func NewReadModeCommand() *ReadModeCommand {
	c := &ReadModeCommand{command: newCommand("RM", readModeGrammar)}
	c.ResetResponseData()
	return c
}

func (c *ReadModeCommand) ResetResponseData() {
	c.command.ResetResponseData()
	c.mode = defaultMode()
}

func (c *ReadModeCommand) SetResponseData(s string) {
	c.ResetResponseData()
	m := c.setBase(s)
	if m == nil {
		return
	}
	var mode DeviceMode
	mode.ReversedLaneCount = LaneCount(m[1][0] - '0')
	for i := 0; i < MaxLaneCount; i++ {
		mode.LaneMasked[i] = m[2+i] == "1"
	}
	mode.LanesReversed = m[8] == "1"
	mode.EliminatorMode = m[9] == "1"
	mode.DataFormat = DataFormat(m[10][0] - '0')
	c.mode = mode
}

// Mode returns the parsed mode; defaults until a response is set.
func (c *ReadModeCommand) Mode() DeviceMode { return c.mode }

// IsLaneMasked reports the parsed mask bit for the lane.
func (c *ReadModeCommand) IsLaneMasked(l Lane) bool { return c.mode.LaneMasked[l] }
