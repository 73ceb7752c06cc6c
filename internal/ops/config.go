package ops

import "time"

// Config holds the handler-level knobs that are not already owned by
// the channel or settlement packages: consumer-side channel sizing,
// search fan-out limits, and the bootstrap signature soft-fail policy.
type Config struct {
	// ChannelDepositMultiplier sizes a consumer-opened channel's deposit
	// as max(price*ChannelDepositMultiplier, MinDeposit).
	ChannelDepositMultiplier uint64
	MinDeposit               uint64

	// MaxHops bounds search fan-out; a request whose hop count has
	// reached MaxHops does not forward.
	MaxHops          int
	SearchFanout     int
	SearchHopTimeout time.Duration

	// StrictSignatureVerification disables the soft-fail policy that
	// otherwise skips the payment signature check when the payer's public
	// key is unknown during bootstrap; when true such a paid query is
	// rejected. Envelope signatures are not checked by Handlers either way.
	// Defaults to false (bootstrap-permissive); production
	// deployments should set this true once the peer registry is
	// populated.
	StrictSignatureVerification bool

	RequestTimeout time.Duration
}

// DefaultConfig returns the library's stated defaults.
func DefaultConfig() Config {
	return Config{
		ChannelDepositMultiplier:    10,
		MinDeposit:                  100,
		MaxHops:                     3,
		SearchFanout:                3,
		SearchHopTimeout:            3 * time.Second,
		StrictSignatureVerification: false,
		RequestTimeout:              15 * time.Second,
	}
}
