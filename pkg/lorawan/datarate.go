package lorawan

import (
	"fmt"
)

// DataRate represents a LoRa data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int // kHz
}

// supported LoRa bandwidths in kHz
var bandwidths = map[int]bool{
	125: true,
	250: true,
	500: true,
}

// String returns the Semtech "datr" identifier, e.g. SF7BW125
func (d DataRate) String() string {
	return fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth)
}

// Validate checks the spreading factor and bandwidth
func (d DataRate) Validate() error {
	if d.SpreadFactor < 6 || d.SpreadFactor > 12 {
		return fmt.Errorf("invalid spreading factor: %d", d.SpreadFactor)
	}
	if !bandwidths[d.Bandwidth] {
		return fmt.Errorf("unsupported bandwidth: %d kHz", d.Bandwidth)
	}
	return nil
}

// ParseDataRate parses a Semtech "datr" identifier such as SF12BW125
func ParseDataRate(s string) (DataRate, error) {
	var d DataRate
	if _, err := fmt.Sscanf(s, "SF%dBW%d", &d.SpreadFactor, &d.Bandwidth); err != nil {
		return d, fmt.Errorf("can not parse lora datarate %q: %w", s, err)
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// CodingRate returns the Semtech "codr" identifier for a coding rate denominator (5..8)
func CodingRate(denominator int) string {
	if denominator < 5 || denominator > 8 {
		denominator = 5
	}
	return fmt.Sprintf("4/%d", denominator)
}
