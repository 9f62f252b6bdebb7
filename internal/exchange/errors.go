package exchange

import (
	"errors"
	"fmt"
	"net/http"

	apphttp "fundingarb/pkg/http"
	apperrors "fundingarb/pkg/errors"
)

// classifyRESTError maps a transport/HTTP error into one of the venue-level
// sentinels in pkg/errors, so callers upstream can apply spec §7's
// propagation policy without knowing about apphttp.APIError.
func classifyRESTError(venue string, err error) error {
	var apiErr *apphttp.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %v", venue, apperrors.ErrRateLimit, err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", venue, apperrors.ErrAuthenticationFailed, err)
		case apiErr.StatusCode == http.StatusServiceUnavailable:
			return fmt.Errorf("%s: %w: %v", venue, apperrors.ErrExchangeMaintenance, err)
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", venue, apperrors.ErrOrderNotFound, err)
		case apiErr.StatusCode == http.StatusConflict:
			return fmt.Errorf("%s: %w: %v", venue, apperrors.ErrDuplicateOrder, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%s: %w: %v", venue, apperrors.ErrExchange, err)
		default:
			return fmt.Errorf("%s: %w: %v", venue, apperrors.ErrOrderRejected, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", venue, apperrors.ErrNetwork, err)
}
