package modbus

import "go.uber.org/zap"

// message is the in-flight transaction state, reset at the start of every client
// call and every server Poll (spec §3, "msg").
type message struct {
	buf           frameBuffer
	unitID        byte
	fc            byte
	transactionID uint16
	broadcast     bool
	ignored       bool

	// Inline server-side scratch space (spec §9, "Fixed-size arrays without
	// allocation"): reused by every Poll so reading/writing coils or registers
	// never allocates on the hot path.
	scratchBits Bitfield
	scratchRegs [maxRegisterQuantityRead]uint16
}

func (m *message) reset() {
	m.buf.reset()
	m.unitID = 0
	m.fc = 0
	m.transactionID = 0
	m.broadcast = false
	m.ignored = false
}

// Engine is the single portable Modbus protocol state machine: a client, or a
// server, bound to one Platform and one transport (spec §3, "Instance"). It is not
// safe for concurrent use by more than one goroutine (spec §5); wrap independent
// connections in separate Engines.
type Engine struct {
	logger *zap.Logger

	transport Transport
	platform  Platform

	addressRTU     byte // server's own RTU unit address; unused for clients and TCP
	destAddressRTU byte // destination unit address used by client calls

	readTimeoutMs int32
	byteTimeoutMs int32
	byteSpacingMs uint32

	currentTID uint16 // TCP client transaction-id generator; wraps 1..0xFFFF, skipping 0

	callbacks Callbacks // server-only; zero value for clients
	isServer  bool

	msg message
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger == nil {
			logger = zap.NewNop()
		}
		e.logger = logger
	}
}

func WithReadTimeout(ms int32) Option {
	return func(e *Engine) { e.readTimeoutMs = ms }
}

func WithByteTimeout(ms int32) Option {
	return func(e *Engine) { e.byteTimeoutMs = ms }
}

func WithByteSpacing(ms uint32) Option {
	return func(e *Engine) { e.byteSpacingMs = ms }
}

func WithDestinationAddress(addr byte) Option {
	return func(e *Engine) { e.destAddressRTU = addr }
}

// These default timeouts are applied to new engines before Options run: wait forever for
// the first byte, 100ms for every byte after that, which is generous enough for
// any serial baud rate this engine targets and mirrors the teacher's
// 5-second-class defaults scaled down to per-byte granularity.
const (
	defaultReadTimeoutMs = -1
	defaultByteTimeoutMs = 100
)

func newEngine(transport Transport, platform Platform) (*Engine, error) {
	if platform == nil {
		return nil, wrapInvalidArgument("platform must not be nil")
	}
	if transport != RTU && transport != TCP {
		return nil, wrapInvalidArgument("unknown transport")
	}
	return &Engine{
		transport:     transport,
		platform:      platform,
		logger:        zap.NewNop(),
		readTimeoutMs: defaultReadTimeoutMs,
		byteTimeoutMs: defaultByteTimeoutMs,
	}, nil
}

// NewClient constructs a client-role Engine driving the given transport over
// platform (spec §4.5, "Construction"). Apply SetDestinationAddress before issuing
// calls over RTU; the destination is irrelevant for TCP beyond the MBAP unit_id
// byte some gateways still expect.
func NewClient(transport Transport, platform Platform, opts ...Option) (*Engine, error) {
	e, err := newEngine(transport, platform)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewServer constructs a server-role Engine. addressRTU is the unit's own RTU
// address (1-247); it is required (non-zero) when transport is RTU, and ignored
// for TCP. callbacks supplies the data-model hooks; absent hooks answer with
// exception 1 (spec §4.5, "Construction").
func NewServer(transport Transport, addressRTU byte, platform Platform, callbacks Callbacks, opts ...Option) (*Engine, error) {
	e, err := newEngine(transport, platform)
	if err != nil {
		return nil, err
	}
	if transport == RTU && addressRTU == 0 {
		return nil, wrapInvalidArgument("RTU server address must not be 0")
	}
	e.isServer = true
	e.addressRTU = addressRTU
	e.callbacks = callbacks
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetReadTimeout sets the deadline, in milliseconds, applied to the first byte of
// a response or request. Negative means wait forever.
func (e *Engine) SetReadTimeout(ms int32) { e.readTimeoutMs = ms }

// SetByteTimeout sets the deadline, in milliseconds, applied to every byte after
// the first. Negative means wait forever.
func (e *Engine) SetByteTimeout(ms int32) { e.byteTimeoutMs = ms }

// SetByteSpacing sets the RTU-only intentional per-byte transmit delay, in
// milliseconds. Ignored on TCP.
func (e *Engine) SetByteSpacing(ms uint32) { e.byteSpacingMs = ms }

// SetDestinationAddress sets the RTU unit address client calls target. 0 means
// broadcast on RTU; meaningless (but still transmitted as the MBAP unit_id byte)
// on TCP.
func (e *Engine) SetDestinationAddress(addr byte) { e.destAddressRTU = addr }

// Transport reports which framing this engine speaks.
func (e *Engine) Transport() Transport { return e.transport }

func wrapInvalidArgument(msg string) error {
	return &invalidArgumentError{msg: msg}
}

type invalidArgumentError struct{ msg string }

func (e *invalidArgumentError) Error() string { return "modbus: invalid argument: " + e.msg }
func (e *invalidArgumentError) Unwrap() error { return ErrInvalidArgument }
