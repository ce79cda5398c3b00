package server

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shaunagostinho/clawtune/internal/roboclaw"
	"github.com/shaunagostinho/clawtune/internal/sim"
)

// SimParamsRequest sets one simulated motor's plant. Several field names are
// accepted for each value; the first present in the list below wins.
//
//	motor: motor_index, motorIndex, motor
//	tau:   tau, tau_s (seconds) or tauMs (milliseconds)
//	gain:  gain, max_vel, maxVel
type SimParamsRequest struct {
	Motor int
	Plant sim.Plant
}

var (
	motorAliases = []string{"motor_index", "motorIndex", "motor"}
	tauAliases   = []string{"tau", "tau_s", "tauMs"}
	gainAliases  = []string{"gain", "max_vel", "maxVel"}
)

func (r *SimParamsRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	motor, _, err := firstNumber(raw, motorAliases)
	if err != nil {
		return err
	}
	if motor != math.Trunc(motor) {
		return fmt.Errorf("motor index %v is not an integer", motor)
	}
	tau, tauName, err := firstNumber(raw, tauAliases)
	if err != nil {
		return err
	}
	if tauName == "tauMs" {
		tau /= 1000
	}
	gain, _, err := firstNumber(raw, gainAliases)
	if err != nil {
		return err
	}

	r.Motor = int(motor)
	r.Plant = sim.Plant{Tau: tau, Gain: gain}
	return nil
}

// firstNumber returns the value of the first alias present in raw.
func firstNumber(raw map[string]json.RawMessage, aliases []string) (float64, string, error) {
	for _, name := range aliases {
		v, ok := raw[name]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return 0, name, fmt.Errorf("%s: %w", name, err)
		}
		return f, name, nil
	}
	return 0, "", roboclaw.Errorf(roboclaw.KindLogical, "sim params", "missing field: provide one of %v", aliases)
}
