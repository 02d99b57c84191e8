package transfer

import "fmt"

// TransportError represents network failures and non-2xx responses while fetching a file.
type TransportError struct {
	Operation  string // The operation that failed (e.g., "fetch", "resolve")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("transport error during %s: %s", e.Operation, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// InvalidContentError is returned when the received body does not match what the
// server announced, such as a truncated download.
type InvalidContentError struct {
	Filename string
	Reason   string
	Err      error
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content in %s: %s", e.Filename, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a checksum mismatch.
type IntegrityError struct {
	Filename string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sha1 mismatch for %s: expected %s, got %s", e.Filename, e.Expected, e.Actual)
}

// DirectoryError represents failures preparing the destination directory.
type DirectoryError struct {
	DirectoryName string
	Reason        string
	Err           error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory error for '%s': %s", e.DirectoryName, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 and 403 responses from a source or resolver.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
