package ticket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operator is the action kind encoded in a ticket
type Operator string

const (
	OpSpam        Operator = "spam"
	OpUnblock     Operator = "unblock"
	OpHolding     Operator = "holding"
	OpUnhold      Operator = "unhold"
	OpBlock       Operator = "block"
	OpUnsubscribe Operator = "unsubscribe"
	OpRelease     Operator = "release"
	OpWhite       Operator = "white"
)

// KnownOperator reports whether op is one of the supported operators.
// Decode does not reject unknown operators; the dispatcher does, so
// that the HTTP layer can answer 403 instead of treating the token as
// corrupt.
func KnownOperator(op Operator) bool {
	switch op {
	case OpSpam, OpUnblock, OpHolding, OpUnhold, OpBlock, OpUnsubscribe, OpRelease, OpWhite:
		return true
	}
	return false
}

// ArgKind classifies a positional argument token by its shape marker.
// The marker is decided at encode time by the Arg constructors below;
// decode only reads it back, it never guesses.
type ArgKind int

const (
	ArgGeneric ArgKind = iota
	ArgHostSender          // leading '@': sender identified by hostname
	ArgClientQualifier     // trailing ':': client identifier
	ArgRecipient           // leading '>': recipient address
)

// HostSenderArg marks a hostname-identified sender token
func HostSenderArg(host string) string { return "@" + host }

// ClientQualifierArg marks a client-identifier token
func ClientQualifierArg(id string) string { return id + ":" }

// RecipientArg marks a recipient-address token
func RecipientArg(addr string) string { return ">" + addr }

// KindOf returns the shape classification of an argument token
func KindOf(tok string) ArgKind {
	switch {
	case strings.HasPrefix(tok, "@"):
		return ArgHostSender
	case strings.HasPrefix(tok, ">"):
		return ArgRecipient
	case strings.HasSuffix(tok, ":"):
		return ArgClientQualifier
	}
	return ArgGeneric
}

// Bare strips the shape marker from an argument token
func Bare(tok string) string {
	switch KindOf(tok) {
	case ArgHostSender, ArgRecipient:
		return tok[1:]
	case ArgClientQualifier:
		return tok[:len(tok)-1]
	}
	return tok
}

// Command is an action request: an operator plus its positional arguments
type Command struct {
	Op   Operator
	Args []string
}

// Ticket is a decoded capability token. Immutable once decoded.
type Ticket struct {
	Command
	IssuedAt time.Time
}

// Recipient returns the first recipient-marked argument, without its marker
func (t *Ticket) Recipient() (string, bool) {
	for _, a := range t.Args {
		if KindOf(a) == ArgRecipient {
			return Bare(a), true
		}
	}
	return "", false
}

// HostSender returns the first hostname-sender argument, without its marker
func (t *Ticket) HostSender() (string, bool) {
	for _, a := range t.Args {
		if KindOf(a) == ArgHostSender {
			return Bare(a), true
		}
	}
	return "", false
}

// ClientQualifier returns the first client-identifier argument, without its marker
func (t *Ticket) ClientQualifier() (string, bool) {
	for _, a := range t.Args {
		if KindOf(a) == ArgClientQualifier {
			return Bare(a), true
		}
	}
	return "", false
}

// GenericArgs returns the unmarked argument tokens in order
func (t *Ticket) GenericArgs() []string {
	var out []string
	for _, a := range t.Args {
		if KindOf(a) == ArgGeneric {
			out = append(out, a)
		}
	}
	return out
}

var (
	// ErrMalformed covers decrypt failures, corrupt compressed streams
	// and too-short buffers. Terminal: the token is garbage.
	ErrMalformed = errors.New("malformed ticket")

	// ErrExpired means the embedded issue time is outside the validity
	// window. Terminal and non-retryable.
	ErrExpired = errors.New("expired ticket")
)

// timestampLen is the fixed prefix carrying the issue time as an
// unsigned 64-bit little-endian millisecond epoch value. The layout
// matches previously issued tickets, so the plaintext framing must
// not change even though the outer cipher may.
const timestampLen = 8

// Codec encodes and decodes capability tokens
type Codec struct {
	cipher     Cipher
	compressor Compressor
	window     time.Duration
	now        func() time.Time
}

// NewCodec creates a Codec with the default cipher and compressor
func NewCodec(key []byte, window time.Duration) (*Codec, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	return NewCodecWith(c, NewCompressor(), window), nil
}

// NewCodecWith creates a Codec from explicit primitives
func NewCodecWith(cipher Cipher, compressor Compressor, window time.Duration) *Codec {
	return &Codec{
		cipher:     cipher,
		compressor: compressor,
		window:     window,
		now:        time.Now,
	}
}

// Window returns the configured validity window
func (c *Codec) Window() time.Duration {
	return c.window
}

// Encode serializes a command issued at the given time into an opaque
// URL-safe token.
func (c *Codec) Encode(cmd Command, issuedAt time.Time) (string, error) {
	if cmd.Op == "" {
		return "", fmt.Errorf("command operator is empty")
	}
	for _, a := range cmd.Args {
		if strings.ContainsAny(a, " \t\r\n") {
			return "", fmt.Errorf("argument %q contains whitespace", a)
		}
	}

	text := string(cmd.Op)
	if len(cmd.Args) > 0 {
		text += " " + strings.Join(cmd.Args, " ")
	}

	compressed, err := c.compressor.Compress([]byte(text))
	if err != nil {
		return "", fmt.Errorf("failed to compress command: %w", err)
	}

	buf := make([]byte, timestampLen+len(compressed))
	binary.LittleEndian.PutUint64(buf, uint64(issuedAt.UnixMilli()))
	copy(buf[timestampLen:], compressed)

	token, err := c.cipher.Seal(buf)
	if err != nil {
		return "", fmt.Errorf("failed to seal ticket: %w", err)
	}
	return token, nil
}

// Decode reverses Encode. It returns ErrMalformed for anything the
// cipher or compressor rejects and ErrExpired when the embedded issue
// time is older than the validity window. The expiry check runs before
// decompression: an expired token never reaches the decompressor.
func (c *Codec) Decode(token string) (*Ticket, error) {
	buf, err := c.cipher.Open(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(buf) <= timestampLen {
		return nil, fmt.Errorf("%w: payload too short", ErrMalformed)
	}

	issuedAt := time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[:timestampLen])))
	if c.now().Sub(issuedAt) > c.window {
		return nil, fmt.Errorf("%w: issued %s", ErrExpired, issuedAt.UTC().Format(time.RFC3339))
	}

	text, err := c.compressor.Decompress(buf[timestampLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	fields := strings.Fields(string(text))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrMalformed)
	}

	return &Ticket{
		Command: Command{
			Op:   Operator(fields[0]),
			Args: fields[1:],
		},
		IssuedAt: issuedAt,
	}, nil
}
