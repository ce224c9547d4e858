package field

import "strconv"

// SingleLevel are the surface variables, in channel order.
var SingleLevel = []string{"u10", "v10", "t2m", "mslp"}

// MultiLevel are the pressure-level variables, in channel order.
var MultiLevel = []string{"z", "q", "u", "v", "t"}

// PressureLevels are the hPa levels of every multi-level variable.
var PressureLevels = []int{50, 100, 150, 200, 250, 300, 400, 500, 600, 700, 850, 925, 1000}

// NumChannels is the channel count of a full state.
var NumChannels = len(SingleLevel) + len(MultiLevel)*len(PressureLevels)

// ChannelNames returns the fixed channel layout: surface variables first,
// then each multi-level variable over all pressure levels.
func ChannelNames() []string {
	names := make([]string, 0, NumChannels)
	names = append(names, SingleLevel...)
	for _, v := range MultiLevel {
		for _, lev := range PressureLevels {
			names = append(names, v+strconv.Itoa(lev))
		}
	}
	return names
}

// ChannelIndex returns the index of a channel name, or -1.
func ChannelIndex(name string) int {
	for i, n := range ChannelNames() {
		if n == name {
			return i
		}
	}
	return -1
}

// Z500 is the channel reported in per-iteration progress logs.
var Z500 = ChannelIndex("z500")
