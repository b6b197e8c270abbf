package transport

import (
	"encoding/json"
	"fmt"

	"github.com/alexandrecolauto/lodestone/server/pkg/raftpb"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype peers negotiate. Messages travel as
// JSON so the wire format stays readable and versionable without generated
// code.
const codecName = "lodestone-json"

const envelopeVersion = 1

// Envelope wraps every peer message with a format version.
type Envelope struct {
	Version int            `json:"version"`
	Message raftpb.Message `json:"message"`
}

type Ack struct{}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
