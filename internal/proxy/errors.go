package proxy

import "errors"

var (
	// ErrUnknownMode is returned for an unrecognised mode string.
	ErrUnknownMode = errors.New("unknown proxy mode")
	// ErrMissingCredentials is returned by Validate when a proxied mode lacks its credential pair.
	ErrMissingCredentials = errors.New("missing proxy credentials")
	// ErrRetriesExhausted is returned by Client.Get after max_retries failed attempts.
	ErrRetriesExhausted = errors.New("proxy request retries exhausted")
	// ErrEmptyResult is returned when the scraper API answers without a result.
	ErrEmptyResult = errors.New("scraper api returned no results")
)
