package ports

import "errors"

// Standard application-level errors.
// Adapters wrap underlying infrastructure errors with these standard errors
// so the orchestrator can branch with errors.Is instead of inspecting
// exchange-specific codes.
var (
	// General errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Source errors: any of these triggers the next tier of the fetch chain.
	ErrUnsupportedInterval = errors.New("interval not supported by this source")
	ErrRateLimited         = errors.New("API rate limit exceeded")
	ErrNetwork             = errors.New("network failure reaching upstream")
	ErrUpstream            = errors.New("upstream returned an error response")
	ErrMarketTypeMismatch  = errors.New("resolved market is not the expected contract type")
	ErrInsufficientData    = errors.New("source returned fewer candles than required")
	ErrSymbolNotFound      = errors.New("symbol not found on the exchange")

	// Resample errors
	ErrInsufficientCoverage = errors.New("resampled data below coverage threshold")
)

// IsSourceError reports whether err belongs to the recoverable source-error
// class, i.e. the orchestrator should fall through to the next tier rather
// than abort the call.
func IsSourceError(err error) bool {
	for _, target := range []error{
		ErrUnsupportedInterval, ErrRateLimited, ErrNetwork, ErrUpstream,
		ErrMarketTypeMismatch, ErrInsufficientData, ErrSymbolNotFound,
		ErrTimeout, ErrUnknown,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
