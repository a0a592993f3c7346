// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by the price feed and the sync workers.
var HTTPClient = &http.Client{
	Timeout: 15 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}
