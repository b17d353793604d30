package web3

import "time"

// ClockConfig selects and parameterises the slot source.
type ClockConfig struct {
	// Source is one of "local", "manual" or "evm".
	Source       string        `yaml:"source" json:"source"`
	RPCURL       string        `yaml:"rpc_url" json:"rpc_url"`
	SlotDuration time.Duration `yaml:"slot_duration" json:"slot_duration"`
	// Genesis is the unix second that local slot 0 maps to.
	Genesis int64 `yaml:"genesis" json:"genesis"`
}
