package recheckv1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype the service speaks. It is specific to
// this package so the process-wide codec registry keeps any other "json"
// codec a dependency registers.
const CodecName = "recheck-json"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec marshals recheck.v1 messages as JSON.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("recheckv1: marshal %T: %w", v, err)
	}
	return out, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("recheckv1: unmarshal %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string { return CodecName }
