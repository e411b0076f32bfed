package mail

import "errors"

// Protocol errors. Both mean the document cannot be trusted; consumers drop
// the message and move on rather than aborting the batch.
var (
	// ErrMalformedDocument indicates the delimited region structure of a
	// mailbox document could not be recognized.
	ErrMalformedDocument = errors.New("malformed mailbox document")

	// ErrChecksum indicates a decoded message failed integrity
	// verification: the content was corrupted or tampered with after the
	// checksum was computed.
	ErrChecksum = errors.New("message checksum mismatch")
)
