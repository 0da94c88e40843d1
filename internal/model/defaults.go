package model

import "time"

// Shared defaults used by the core and the CLI.
const (
	DefaultRetention  = 30 * 24 * time.Hour
	DefaultFetchLimit = 500
	DefaultAppRoot    = "/var/www/app.sellerdata.ru/app/"

	// StatusUnhandled marks a group waiting for an explanation.
	StatusUnhandled = "unhandled"
	// StatusHandled marks a group whose explanation has been generated.
	StatusHandled = "handled"

	// LastSeenLayout is the persisted timestamp format (always UTC).
	LastSeenLayout = "2006-01-02 15:04:05"
)
