package buffer

// BackoffDelay exposes the retry delay computation to external tests.
var BackoffDelay = backoffDelay
