package can

// ISR is the only surface a controller may call from its completion and
// receive callbacks. Both methods return immediately.
type ISR interface {
	// RxFifoNewMessage hands over one message taken from the receive FIFO.
	RxFifoNewMessage(el RxElement)
	// TxFifoEmpty reports that the controller can accept another frame.
	TxFifoEmpty()
}

// Controller is a CAN-FD peripheral. Submit is asynchronous: completion is
// reported through ISR.TxFifoEmpty.
type Controller interface {
	Configure(cfg BitrateConfig) error
	Start() error
	Stop() error
	Submit(el TxElement) error

	// Idle reports whether the controller accepts configuration.
	Idle() bool

	ActivateNotifications(isr ISR) error
	DeactivateNotifications() error

	EnableInterrupt()
	DisableInterrupt()
}
