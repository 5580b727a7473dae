package ingestor

import (
	"fmt"
	"time"

	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
)

// AlertSeverity is how urgently an Alert needs attention.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert flags an out-of-range electrical parameter on an ingested reading.
type Alert struct {
	MeterSerial string
	Type        string
	Value       float64
	Threshold   float64
	Severity    AlertSeverity
	Message     string
	Timestamp   time.Time
}

// checkAlerts inspects the electrical parameters on a reading and returns
// one Alert per threshold breach. Thresholds match what a 230V/50Hz grid
// considers nominal.
func checkAlerts(serial string, p domain.ElectricalParams, now time.Time) []Alert {
	var alerts []Alert

	if p.Voltage != nil {
		v := *p.Voltage
		switch {
		case v < 200:
			alerts = append(alerts, Alert{serial, "low_voltage", v, 200, SeverityCritical,
				fmt.Sprintf("Low voltage detected: %.1fV (threshold: 200V)", v), now})
		case v > 260:
			alerts = append(alerts, Alert{serial, "high_voltage", v, 260, SeverityCritical,
				fmt.Sprintf("High voltage detected: %.1fV (threshold: 260V)", v), now})
		}
	}

	if p.Frequency != nil {
		f := *p.Frequency
		if f < 49.5 || f > 50.5 {
			threshold := 50.5
			if f < 49.5 {
				threshold = 49.5
			}
			alerts = append(alerts, Alert{serial, "frequency_deviation", f, threshold, SeverityWarning,
				fmt.Sprintf("Frequency deviation: %.2fHz (normal: 49.5-50.5Hz)", f), now})
		}
	}

	if p.PowerFactor != nil {
		pf := *p.PowerFactor
		if pf < 0.8 {
			alerts = append(alerts, Alert{serial, "poor_power_factor", pf, 0.8, SeverityWarning,
				fmt.Sprintf("Poor power factor: %.2f (threshold: 0.8)", pf), now})
		}
	}

	if p.THD != nil {
		thd := *p.THD
		if thd > 5.0 {
			alerts = append(alerts, Alert{serial, "high_thd", thd, 5.0, SeverityWarning,
				fmt.Sprintf("High THD: %.1f%% (threshold: 5%%)", thd), now})
		}
	}

	return alerts
}

// healthScore weights voltage, power factor, and THD into a single 0-100
// score, normalizing over whichever parameters are present on the
// reading. Absent all parameters, returns a neutral 50.
func healthScore(p domain.ElectricalParams) float64 {
	var weighted, totalWeight float64

	if p.Voltage != nil {
		v := *p.Voltage
		var score float64
		switch {
		case v >= 220 && v <= 240:
			score = 100
		case v >= 200 && v <= 260:
			deviation := v - 240
			if v < 220 {
				deviation = 220 - v
			}
			score = 100 - min(deviation*5, 50)
		default:
			score = 25
		}
		weighted += score * 0.3
		totalWeight += 0.3
	}

	if p.PowerFactor != nil {
		score := min(*p.PowerFactor*100, 100)
		weighted += score * 0.3
		totalWeight += 0.3
	}

	if p.THD != nil {
		score := max(100-*p.THD*5, 0)
		weighted += score * 0.2
		totalWeight += 0.2
	}

	if totalWeight == 0 {
		return 50
	}
	return min(max(weighted/totalWeight, 0), 100)
}
