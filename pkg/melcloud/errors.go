package melcloud

import "errors"

var (
	// ErrAuth means every app-version compatibility variant was rejected.
	// Callers abort the whole backfill pass on this, it is not a per-date
	// failure.
	ErrAuth = errors.New("melcloud: authentication failed for all app versions")

	// ErrNoDevices means the account has no usable device.
	ErrNoDevices = errors.New("melcloud: no devices found in account")

	// ErrMalformedReport means the energy report payload is missing the
	// arrays or dates needed to resolve anything.
	ErrMalformedReport = errors.New("melcloud: malformed energy report")
)
