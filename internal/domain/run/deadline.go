package run

import "time"

// Network identifies the Cardano network whose genesis time anchors
// slot-to-wall-clock conversion.
type Network string

const (
	NetworkPreprod Network = "preprod"
	NetworkMainnet Network = "mainnet"
)

// Genesis timestamps for 1-second-slot eras.
const (
	genesisPreprod int64 = 1654041600 // 2022-06-01T00:00:00Z
	genesisMainnet int64 = 1591566291 // 2020-06-07T21:44:51Z
)

// GenesisTime returns the network's genesis time. Unknown networks fall back
// to preprod.
func (n Network) GenesisTime() time.Time {
	switch n {
	case NetworkMainnet:
		return time.Unix(genesisMainnet, 0).UTC()
	default:
		return time.Unix(genesisPreprod, 0).UTC()
	}
}

// DeadlineFromPaymentTime derives a wall-clock deadline from the payment
// service's "submit result by" value. The field has no unit contract: it has
// been observed as Unix seconds, Unix milliseconds, and a blockchain slot
// number. The unit is detected by magnitude relative to the current time.
// This is a heuristic carried over from the original connector; it is
// inherently ambiguous and deliberately not "fixed" here.
func DeadlineFromPaymentTime(v int64, network Network, now time.Time) time.Time {
	nowSec := now.Unix()

	if v > nowSec*10 {
		// Far above wall-clock seconds: milliseconds or a slot count.
		// Milliseconds divide back down to a plausible wall-clock value.
		const tenYears = int64(10 * 365 * 24 * 3600)
		if sec := v / 1000; sec > nowSec-tenYears && sec < nowSec+tenYears {
			return time.Unix(sec, (v%1000)*int64(time.Millisecond)).UTC()
		}
		return network.GenesisTime().Add(time.Duration(v) * time.Second)
	}

	if v < nowSec && v > 0 {
		// Below current wall-clock seconds: a slot count, since slots lag
		// Unix time on every network we talk to.
		return network.GenesisTime().Add(time.Duration(v) * time.Second)
	}

	return time.Unix(v, 0).UTC()
}
