package media

import "errors"

var (
	// ErrAssetTooLarge indicates the payload exceeds the configured max size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrEmptyContent indicates a strategy returned zero bytes.
	ErrEmptyContent = errors.New("empty file content")
	// ErrUnsupportedEnvironment indicates a strategy that needs a server-side
	// component which this process does not provide.
	ErrUnsupportedEnvironment = errors.New("unsupported environment")
	// ErrFileRetrievalExhausted indicates every retrieval strategy failed.
	ErrFileRetrievalExhausted = errors.New("file retrieval exhausted")
)
