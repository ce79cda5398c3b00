package roboclaw

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ListPorts returns candidate controller ports. USB CDC-ACM devices are
// listed first; the simulated port is always last.
func ListPorts() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	var acm, other []string
	for _, d := range details {
		if strings.Contains(d.Name, "ACM") {
			acm = append(acm, d.Name)
		} else if d.IsUSB {
			other = append(other, d.Name)
		}
	}
	return append(append(acm, other...), SimulatedPort), nil
}
