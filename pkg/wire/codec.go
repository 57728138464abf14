// Package wire serializes protocol messages for transport. Two codecs are
// provided: JSON for debuggability and RLP for compact deterministic
// framing. Both are reversible; vote tallies travel as voter-sorted slices
// so encodings are canonical.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"rabia/pkg/consensus"
)

// Codec encodes and decodes protocol messages.
type Codec interface {
	Name() string
	Encode(msg *consensus.ProtocolMessage) ([]byte, error)
	Decode(data []byte) (*consensus.ProtocolMessage, error)
}

// Default returns the codec used by the TCP transport.
func Default() Codec {
	return RLPCodec{}
}

// JSONCodec serializes messages as JSON.
type JSONCodec struct{}

// Name identifies the codec.
func (JSONCodec) Name() string { return "json" }

// Encode marshals the message to JSON.
func (JSONCodec) Encode(msg *consensus.ProtocolMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return data, nil
}

// Decode unmarshals a JSON message.
func (JSONCodec) Decode(data []byte) (*consensus.ProtocolMessage, error) {
	var msg consensus.ProtocolMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("json decode failed: %w", err)
	}
	return &msg, nil
}

// RLPCodec serializes messages with go-ethereum's RLP encoding.
type RLPCodec struct{}

// Name identifies the codec.
func (RLPCodec) Name() string { return "rlp" }

// Encode marshals the message to RLP.
func (RLPCodec) Encode(msg *consensus.ProtocolMessage) ([]byte, error) {
	data, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, fmt.Errorf("rlp encode failed: %w", err)
	}
	return data, nil
}

// Decode unmarshals an RLP message.
func (RLPCodec) Decode(data []byte) (*consensus.ProtocolMessage, error) {
	var msg consensus.ProtocolMessage
	if err := rlp.DecodeBytes(data, &msg); err != nil {
		return nil, fmt.Errorf("rlp decode failed: %w", err)
	}
	return &msg, nil
}

// ByName resolves a codec from its configured name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "rlp":
		return RLPCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown wire codec %q", name)
	}
}
