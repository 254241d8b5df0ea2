// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package modelfetch

import (
	"net/http"
	"time"
)

// userAgent identifies the client to the model host.
const userAgent = "modelfetch/1"

// NewHTTPClient creates an HTTP client tuned for long-running transfers.
// There is no overall request timeout; per-attempt liveness is enforced by
// the transfer's stall watchdog.
func NewHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// addAuth adds authentication and user-agent headers to a request.
func addAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", userAgent)
}
