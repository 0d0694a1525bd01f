package analog

// Calibration curves map a normalized ADC reading in [0,1] to an
// engineering value. Keys are referenced from input configuration.
var Calibrations = map[string]func(float64) float64{
	"passthrough":      Passthrough,
	"pressure_voltage": PressureVoltage,
}

func Passthrough(x float64) float64 { return x }

// PressureVoltage linearizes the pressure sensor's ADC curve with a
// piecewise cubic spline fitted against bench calibration points.
func PressureVoltage(x float64) float64 {
	seg := func(x0, a, b, c, d float64) float64 {
		t := x - x0
		return a*t*t*t + b*t*t + c*t + d
	}
	switch {
	case x < 0.1565:
		return seg(0.0586, -0.5115, 0.0000, 1.0323, 0.1002)
	case x < 0.2562:
		return seg(0.1565, 0.4063, -0.1503, 1.0176, 0.2008)
	case x < 0.3553:
		return seg(0.2562, 0.6062, -0.0288, 0.9997, 0.3011)
	case x < 0.4598:
		return seg(0.3553, -0.8909, 0.1515, 1.0119, 0.4006)
	case x < 0.5524:
		return seg(0.4598, 2.1905, -0.1279, 1.0144, 0.5070)
	case x < 0.6476:
		return seg(0.5524, -5.3610, 0.4803, 1.0470, 0.6015)
	case x < 0.7617:
		return seg(0.6476, 0.2146, -1.0514, 0.9926, 0.7009)
	case x <= 0.9128:
		return seg(0.7617, 2.1566, -0.9780, 0.7612, 0.8008)
	default:
		// Outside the calibrated range; report the normalized value.
		return x
	}
}
