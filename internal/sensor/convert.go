package sensor

import (
	"math"
	"sort"
	"time"
)

// EC probe (DJS-1) constants
const (
	ecRange         = 20.0 // mS/cm at full scale
	ecOutputVoltage = 3.4  // volts at full scale
	ecCellConstant  = 1.0
	tempCoefficient = 0.02 // per °C around 25 °C
)

// compensation returns the temperature compensation divisor
func compensation(tempC float64) float64 {
	return 1.0 + tempCoefficient*(tempC-25.0)
}

// PH converts a probe voltage to pH on a linear 0..14 scale over 0..vref
// (the probe output falls as pH rises)
func PH(volts, vref float64) float64 {
	if vref <= 0 {
		return 0
	}
	ph := 14 * (1 - volts/vref)
	return math.Max(0, math.Min(14, ph))
}

// EC converts a probe voltage to conductivity in mS/cm at 25 °C
func EC(volts, tempC, calibration float64) float64 {
	if calibration == 0 {
		calibration = 1
	}
	v := math.Min(volts, ecOutputVoltage)
	raw := v / ecOutputVoltage * ecRange
	return raw * ecCellConstant * calibration / compensation(tempC)
}

// ECCalibration returns the factor that maps volts to knownMS mS/cm
func ECCalibration(volts, knownMS float64) float64 {
	raw := volts / ecOutputVoltage * ecRange * ecCellConstant
	if raw == 0 {
		return 1
	}
	return knownMS / raw
}

// TDS converts a probe voltage to total dissolved solids in ppm
func TDS(volts, tempC float64) float64 {
	v := volts / compensation(tempC)
	return (133.42*v*v*v - 255.86*v*v + 857.39*v) * 0.5
}

// Median returns the median of values without modifying them
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// PulseToCM converts an ultrasonic echo pulse width to a distance
func PulseToCM(pulse time.Duration) float64 {
	us := float64(pulse) / float64(time.Microsecond)
	return us / 2 / 29.1
}
