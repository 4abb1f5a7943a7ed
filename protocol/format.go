package protocol

// Format is the wire encoding negotiated for a connection, fixed at
// handshake for the connection's lifetime.
type Format int

const (
	// FormatBinary is the primary framed binary encoding.
	FormatBinary Format = iota
	// FormatJSON is the human-readable fallback for constrained clients.
	FormatJSON
)

// Subprotocol tokens offered by clients during connection setup.
const (
	SubprotocolBinary = "relay.v1.binary"
	SubprotocolJSON   = "relay.v1.json"
)

// Subprotocols lists the tokens the server accepts, in preference order.
var Subprotocols = []string{SubprotocolBinary, SubprotocolJSON}

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "binary"
}

// NegotiateFormat selects a wire format from the client's offered protocol
// tokens. Clients offering nothing, or only unrecognized tokens, get the
// binary encoding.
func NegotiateFormat(offered []string) Format {
	for _, token := range offered {
		switch token {
		case SubprotocolBinary:
			return FormatBinary
		case SubprotocolJSON:
			return FormatJSON
		}
	}
	return FormatBinary
}

// FormatFromSubprotocol maps an accepted subprotocol token back to its
// format. An empty or unknown token means negotiation fell through to the
// default binary encoding.
func FormatFromSubprotocol(token string) Format {
	if token == SubprotocolJSON {
		return FormatJSON
	}
	return FormatBinary
}
