package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryHeaders extracts standard retry hints: Retry-After as
// delta-seconds or HTTP-date, and X-RateLimit-Reset as a unix epoch.
func ParseRetryHeaders(headers http.Header) RetryInfo {
	info := RetryInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			if delay := time.Until(at); delay > 0 {
				info.RetryAfter = delay
			}
		}
	}

	if resetStr := headers.Get("X-RateLimit-Reset"); resetStr != "" {
		if resetTime, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			info.ResetTime = resetTime
		}
	}

	return info
}
