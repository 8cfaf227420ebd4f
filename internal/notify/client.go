// ABOUTME: Constructs the production SSRF-safe HTTP client for notification delivery.
// ABOUTME: Uses doyensec/safeurl with redirect following disabled.
package notify

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// BuildSafeClient returns an SSRF-safe *http.Client for outbound notifications.
// Redirects are not followed; a 3xx response is treated as a delivery failure.
func BuildSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}
