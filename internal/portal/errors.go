package portal

import "fmt"

// AuthError means the portal rejected the credentials or the login endpoint
// could not be reached.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal auth: %s: %v", e.Reason, e.Err)
	}
	return "portal auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError covers network failures, unexpected HTTP statuses and session
// expiry on authenticated page fetches.
type FetchError struct {
	URL    string
	Status int
	Reason string
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("portal fetch %s: %v", e.URL, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("portal fetch %s: unexpected status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("portal fetch %s: %s", e.URL, e.Reason)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the results page structure was unrecognizable. An empty
// results table is NOT a ParseError; it parses to an empty ResultSet.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "portal parse: " + e.Reason }

// ExtractError means the report document could not be produced from a ready
// results page: no matching link, or a malformed payload.
type ExtractError struct {
	Reason string
	Err    error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal extract: %s: %v", e.Reason, e.Err)
	}
	return "portal extract: " + e.Reason
}

func (e *ExtractError) Unwrap() error { return e.Err }
