package feed

import (
	"fmt"

	"github.com/SimonWolf/OEEG/internal/solar"
)

// Channel is the semantic identity of one raw sub-column.
type Channel struct {
	Sensor solar.SensorKind
	String int
}

// ChannelLayout interprets the raw sub-column group of one inverter.
// The logger emits, per inverter:
//
//	P | S1_P .. Sn_P | sum | S1_Udc .. Sn_Udc [| T]
//
// where n = (nCols-2)/2 and the trailing temperature column exists only
// when (nCols-2) is odd. The returned slice always has length nCols; a
// length mismatch is an internal error (solar.ErrChannelLayout), not a
// data error.
func ChannelLayout(nCols int) ([]Channel, error) {
	if nCols < 2 {
		return nil, fmt.Errorf("invalid column count %d", nCols)
	}

	nStrings := (nCols - 2) / 2

	layout := make([]Channel, 0, nCols)
	layout = append(layout, Channel{solar.Power, solar.AggregateString})
	for i := 1; i <= nStrings; i++ {
		layout = append(layout, Channel{solar.Power, i})
	}
	layout = append(layout, Channel{solar.Sum, solar.AggregateString})
	for i := 1; i <= nStrings; i++ {
		layout = append(layout, Channel{solar.StringVoltage, i})
	}
	if (nCols-2)%2 == 1 {
		layout = append(layout, Channel{solar.Temperature, solar.AggregateString})
	}

	if len(layout) != nCols {
		return nil, fmt.Errorf("%w: built %d entries for %d columns",
			solar.ErrChannelLayout, len(layout), nCols)
	}
	return layout, nil
}

// Name returns the wide-format column label for a power/voltage channel
// of the given inverter, e.g. "WR2_P" or "WR2_S1_Udc". Used by the
// quality index to identify tracked channels across runs.
func (c Channel) Name(inverter int) string {
	if c.String == solar.AggregateString {
		return fmt.Sprintf("WR%d_%s", inverter, c.Sensor)
	}
	return fmt.Sprintf("WR%d_S%d_%s", inverter, c.String, c.Sensor)
}
