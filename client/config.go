// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.
package client

import "time"

// Config holds what is needed to reach and log into a server.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds one request. It must exceed the server poll timeout.
	Timeout time.Duration
}

func NewDefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:5000",
		Timeout: 90 * time.Second,
	}
}
