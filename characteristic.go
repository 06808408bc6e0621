package blelink

import (
	"bytes"
	"fmt"
)

// Do not re-order the bit flags below;
// they are organized to match the BLE spec.

// Characteristic property flags.
const (
	CharRead    = 1 << (iota + 1) // the characteristic may be read
	CharWriteNR                   // the characteristic may be written to, with no reply
	CharWrite                     // the characteristic may be written to, with a reply
	CharNotify                    // the characteristic supports notifications
)

// Supported statuses for GATT characteristic read/write operations.
const (
	StatusSuccess         = 0x00
	StatusInvalidOffset   = 0x07
	StatusUnexpectedError = 0x0E
)

// A Request is the context for a request from a connected device.
type Request struct {
	Client         *ConnectedClient
	Service        *Service
	Characteristic *Characteristic
}

// A ReadRequest is a characteristic read request from a connected device.
type ReadRequest struct {
	Request
	Cap    int // maximum allowed reply length
	Offset int // request value offset
}

type ReadResponseWriter interface {
	// Write writes data to return as the characteristic value.
	Write([]byte) (int, error)
	// SetStatus reports the result of the read operation. See the Status* constants.
	SetStatus(byte)
}

// A ReadHandler handles GATT read requests. ServeRead runs inside
// the radio's request/response exchange and must produce its answer
// before returning; the transaction cannot be deferred.
type ReadHandler interface {
	ServeRead(resp ReadResponseWriter, req *ReadRequest)
}

// ReadHandlerFunc is an adapter to allow the use of
// ordinary functions as ReadHandlers.
type ReadHandlerFunc func(resp ReadResponseWriter, req *ReadRequest)

// ServeRead calls f(resp, req).
func (f ReadHandlerFunc) ServeRead(resp ReadResponseWriter, req *ReadRequest) {
	f(resp, req)
}

// A WriteHandler handles GATT write requests.
// Write and WriteNR requests are presented identically;
// the server will ensure that a response is sent if appropriate.
type WriteHandler interface {
	ServeWrite(r Request, data []byte) (status byte)
}

// WriteHandlerFunc is an adapter to allow the use of
// ordinary functions as WriteHandlers.
type WriteHandlerFunc func(r Request, data []byte) byte

// ServeWrite calls f(r, data).
func (f WriteHandlerFunc) ServeWrite(r Request, data []byte) byte {
	return f(r, data)
}

// A NotifyHandler handles GATT notification requests.
// Notifications can be sent using the provided notifier.
type NotifyHandler interface {
	ServeNotify(r Request, n Notifier)
}

// NotifyHandlerFunc is an adapter to allow the use of
// ordinary functions as NotifyHandlers.
type NotifyHandlerFunc func(r Request, n Notifier)

// ServeNotify calls f(r, n).
func (f NotifyHandlerFunc) ServeNotify(r Request, n Notifier) {
	f(r, n)
}

// A Notifier provides a means for a GATT server to send
// notifications about value changes to a connected device.
// Notifiers are provided by NotifyHandlers.
type Notifier interface {
	// Write sends data to the central.
	Write(data []byte) (int, error)

	// Done reports whether the central has requested not to
	// receive any more notifications with this notifier.
	Done() bool

	// Cap returns the maximum number of bytes that may be sent
	// in a single notification.
	Cap() int
}

// A desc is a characteristic descriptor with a static value.
type desc struct {
	uuid  UUID
	value []byte
}

// A Characteristic is a BLE characteristic.
type Characteristic struct {
	uuid     UUID
	props    uint   // enabled properties
	secure   uint   // security enabled properties
	value    []byte // static value
	descs    []*desc
	rhandler ReadHandler
	whandler WriteHandler
	nhandler NotifyHandler

	service *Service
}

// SetValue makes the characteristic support read requests answered
// with a static value. SetValue must be called before any server
// using c has been started.
func (c *Characteristic) SetValue(b []byte) {
	c.props |= CharRead
	c.value = make([]byte, len(b))
	copy(c.value, b)
}

// AddDescriptor adds a read-only descriptor with a static value.
func (c *Characteristic) AddDescriptor(u UUID, value []byte) {
	c.descs = append(c.descs, &desc{uuid: u, value: value})
}

// Secure marks the given property bits as requiring an encrypted link.
func (c *Characteristic) Secure(props uint) {
	c.secure |= props
}

// HandleRead makes the characteristic support read requests,
// and routes read requests to h. HandleRead must be called
// before any server using c has been started.
func (c *Characteristic) HandleRead(h ReadHandler) {
	c.props |= CharRead
	c.rhandler = h
}

// HandleReadFunc calls HandleRead(ReadHandlerFunc(f)).
func (c *Characteristic) HandleReadFunc(f func(resp ReadResponseWriter, req *ReadRequest)) {
	c.HandleRead(ReadHandlerFunc(f))
}

// HandleWrite makes the characteristic support write and
// write-no-response requests, and routes write requests to h.
// The WriteHandler does not differentiate between write and
// write-no-response requests; it is handled automatically.
// HandleWrite must be called before any server using c has been started.
func (c *Characteristic) HandleWrite(h WriteHandler) {
	c.props |= CharWrite | CharWriteNR
	c.whandler = h
}

// HandleWriteFunc calls HandleWrite(WriteHandlerFunc(f)).
func (c *Characteristic) HandleWriteFunc(f func(r Request, data []byte) (status byte)) {
	c.HandleWrite(WriteHandlerFunc(f))
}

// HandleNotify makes the characteristic support notify requests, and
// routes notification requests to h. The server adds the client
// characteristic configuration descriptor automatically.
// HandleNotify must be called before any server using c has been started.
func (c *Characteristic) HandleNotify(h NotifyHandler) {
	c.props |= CharNotify
	c.nhandler = h
}

// EnableNotifications makes the characteristic subscribable without
// routing a NotifyHandler. Values are pushed explicitly through the
// server's Notify and NotifyAll.
func (c *Characteristic) EnableNotifications() {
	c.props |= CharNotify
}

// HandleNotifyFunc calls HandleNotify(NotifyHandlerFunc(f)).
func (c *Characteristic) HandleNotifyFunc(f func(r Request, n Notifier)) {
	c.HandleNotify(NotifyHandlerFunc(f))
}

// UUID returns the characteristic's UUID.
func (c *Characteristic) UUID() UUID {
	return c.uuid
}

// Properties returns the enabled property bits.
func (c *Characteristic) Properties() uint {
	return c.props
}

// readResponseWriter is the default implementation of ReadResponseWriter.
type readResponseWriter struct {
	capacity int
	buf      *bytes.Buffer
	status   byte
}

func newReadResponseWriter(c int) *readResponseWriter {
	return &readResponseWriter{
		capacity: c,
		buf:      new(bytes.Buffer),
		status:   StatusSuccess,
	}
}

func (w *readResponseWriter) Write(b []byte) (int, error) {
	if avail := w.capacity - w.buf.Len(); avail < len(b) {
		return 0, fmt.Errorf("requested write %d bytes, %d available", len(b), avail)
	}
	return w.buf.Write(b)
}

func (w *readResponseWriter) SetStatus(status byte) { w.status = status }
func (w *readResponseWriter) bytes() []byte         { return w.buf.Bytes() }
