// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.
package client

import "time"

type Config struct {
	// Family is the protocol family spoken on the link.
	Family string
	// Timeout bounds the wait for one response. Key loads that prompt for
	// a PIN on the device need a generous value.
	Timeout time.Duration
}

func NewDefaultConfig() Config {
	return Config{
		Family:  "framed",
		Timeout: 30 * time.Second,
	}
}
