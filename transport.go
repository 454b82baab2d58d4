package gateway

// Transport is one physical client connection as seen by the gateway. The
// transport layer owns the connection; the gateway references it by id.
type Transport interface {
	ID() string
	SendJSON(v interface{}) error
	IsActive() bool
	Close()
	OnClose(callback func(Transport) error)
	OnMessage(handler func(msg Message, t Transport) error)
	HandleMessages()
}
