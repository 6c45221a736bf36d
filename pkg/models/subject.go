package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Subject is a monitored contract.
type Subject struct {
	Address      string    `json:"address"`
	Name         string    `json:"name,omitempty"`
	Chain        string    `json:"chain"`
	SubscribedAt time.Time `json:"subscribed_at"`
	LastScanAt   time.Time `json:"last_scan_at,omitempty"`
	Paused       bool      `json:"paused"`
	PausedAt     time.Time `json:"paused_at,omitempty"`
}

// NormalizeAddress validates a 0x-prefixed 20-byte hex address and lowercases it.
func NormalizeAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return "", fmt.Errorf("%w: address %q must be 0x-prefixed", ErrValidation, raw)
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: address %q is not a 20-byte hex address", ErrValidation, raw)
	}
	return strings.ToLower(addr), nil
}
