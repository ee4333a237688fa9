package codec

import (
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-robolink/robot"
)

// Codec encodes commands and decodes events for one brand.
//
// Implementations must be safe for concurrent use and must not keep state between calls.
type Codec interface {
	// Brand returns the brand this codec speaks.
	Brand() robot.Brand

	// Encode returns the wire frame of cmd.
	// It fails with robot.ErrEncode when the payload cannot be represented.
	Encode(cmd robot.Command) ([]byte, error)

	// Decode extracts at most one event from the front of data.
	//
	// The results are interpreted as follows:
	//   - (ev, n, nil): a complete frame of n bytes was decoded.
	//   - (nil, 0, nil): the frame is incomplete, more bytes are needed.
	//   - (nil, n, nil): n bytes of filler were skipped without producing an event.
	//   - (nil, n, err): err wraps robot.ErrDecode, skip n bytes to resynchronize.
	//   - (nil, 0, err): err wraps robot.ErrUnrecoverableStream, the stream cannot resynchronize.
	//
	// The returned event does not alias data.
	Decode(data []byte) (*robot.Event, int, error)
}

// FrameSizer is implemented by codecs that bound the size of a frame. Encode never returns
// a larger frame, and a Decoder buffers at least that many bytes before it gives up on the
// stream.
type FrameSizer interface {
	MaxFrameSize() int
}

// EventEncoder is implemented by codecs that can also produce device side frames.
// Device simulators and tests use it.
type EventEncoder interface {
	EncodeEvent(ev robot.Event) ([]byte, error)
}

// Registry maps brands to codecs.
//
// Registry is safe for concurrent use; it is expected to be populated at startup and
// only read afterwards.
type Registry struct {
	codecs *xsync.MapOf[robot.Brand, Codec]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{codecs: xsync.NewMapOf[robot.Brand, Codec]()}
}

// NewDefaultRegistry creates a registry holding the codecs of all built-in brands.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, c := range []Codec{NewKUKA(), NewABB(), NewFANUC(), NewCNC(), NewRoboDK()} {
		// cannot fail on an empty registry
		_ = r.Register(c.Brand(), c)
	}

	return r
}

// Register binds codec to brand.
// It fails with robot.ErrDuplicateBrand if the brand already has a codec.
func (r *Registry) Register(brand robot.Brand, codec Codec) error {
	if brand == "" || codec == nil {
		return fmt.Errorf("register codec: empty brand or nil codec")
	}

	if _, loaded := r.codecs.LoadOrStore(brand, codec); loaded {
		return fmt.Errorf("%w: %s", robot.ErrDuplicateBrand, brand)
	}

	return nil
}

// Lookup returns the codec of brand.
// It fails with robot.ErrUnknownBrand if no codec is registered.
func (r *Registry) Lookup(brand robot.Brand) (Codec, error) {
	codec, ok := r.codecs.Load(brand)
	if !ok {
		return nil, fmt.Errorf("%w: %s", robot.ErrUnknownBrand, brand)
	}

	return codec, nil
}

// Brands returns the registered brands in sorted order.
func (r *Registry) Brands() []robot.Brand {
	brands := make([]robot.Brand, 0, r.codecs.Size())
	r.codecs.Range(func(b robot.Brand, _ Codec) bool {
		brands = append(brands, b)
		return true
	})
	slices.Sort(brands)

	return brands
}

func decodeErr(brand robot.Brand, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", robot.ErrDecode, brand, fmt.Sprintf(format, args...))
}

func encodeErr(brand robot.Brand, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", robot.ErrEncode, brand, fmt.Sprintf(format, args...))
}
