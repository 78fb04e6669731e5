package adc

// Gain is one of the ADS1115's programmable amplifier ranges. Exactly one is
// active at a time; higher gains resolve smaller signals but clip sooner.
type Gain int

const (
	GainTwoThirds Gain = iota // ±6.144 V
	GainOne                   // ±4.096 V
	GainTwo                   // ±2.048 V
	GainFour                  // ±1.024 V
	GainEight                 // ±0.512 V
	GainSixteen               // ±0.256 V
)

// Gains is ordered from widest to narrowest full-scale range.
var Gains = [...]Gain{GainTwoThirds, GainOne, GainTwo, GainFour, GainEight, GainSixteen}

var fullScale = [...]float64{6.144, 4.096, 2.048, 1.024, 0.512, 0.256}

var gainNames = [...]string{"2/3", "1", "2", "4", "8", "16"}

// FullScaleVolts is the largest voltage representable at this gain.
func (g Gain) FullScaleVolts() float64 { return fullScale[g] }

func (g Gain) String() string { return gainNames[g] }

// pgaBits are the PGA field values for the ADS1115 config register.
func (g Gain) pgaBits() uint16 { return uint16(g) }

// gainHysteresis keeps the selected range comfortably above the observed
// peak, so noise near a range boundary does not flap the gain.
const gainHysteresis = 0.925

// GainForVoltage picks the narrowest (largest) gain whose range still safely
// exceeds v. Falls back to the widest range for very large signals.
func GainForVoltage(v float64) Gain {
	for i := len(Gains) - 1; i >= 0; i-- {
		g := Gains[i]
		if v < gainHysteresis*g.FullScaleVolts() {
			return g
		}
	}
	return GainTwoThirds
}
