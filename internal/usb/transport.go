package usb

// Transport is the vendor endpoint pair.
//
// Read returns whatever the host has written, possibly nothing; it should
// return within a bounded time so callers can observe cancellation.
// Write sends exactly one packet. It must copy the packet before returning
// and must not invoke the completion handler from within the call.
type Transport interface {
	Read(p []byte) (int, error)
	Write(packet []byte) error
	WriteAvailable() bool
}

// ReadyNotifier is implemented by transports that report write completion.
type ReadyNotifier interface {
	SetTxCompleteHandler(fn func())
}
