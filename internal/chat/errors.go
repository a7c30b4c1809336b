package chat

import "errors"

var (
	// ErrEmptyMessage reports a user message that is empty after sanitization.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrDocumentNotFound reports a turn or ingestion against an unknown document.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrEmptyDocument reports an ingestion whose text yields no usable chunks.
	ErrEmptyDocument = errors.New("document has no usable content")
	// ErrChatAccessDenied reports a turn against a chat owned by another user.
	ErrChatAccessDenied = errors.New("chat belongs to another user")
	// ErrProviderUnavailable reports that every path to an answer failed.
	ErrProviderUnavailable = errors.New("language model provider unavailable")
)
