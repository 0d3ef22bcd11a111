package kvmap

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Codec converts values to and from their stored byte form. Implementations
// must satisfy Decode(Encode(x)) == x.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

type rlpCodec[T any] struct{}

// RLP returns the default deterministic binary codec. Types carrying floats or
// signed integers need a mirror struct or their own EncodeRLP/DecodeRLP.
func RLP[T any]() Codec[T] {
	return rlpCodec[T]{}
}

func (rlpCodec[T]) Encode(v T) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}

func (rlpCodec[T]) Decode(b []byte) (T, error) {
	var v T
	if err := rlp.DecodeBytes(b, &v); err != nil {
		return v, err
	}
	return v, nil
}

type stringCodec struct{}

// String stores keys as raw UTF-8 so iteration follows natural string order.
func String() Codec[string] {
	return stringCodec{}
}

func (stringCodec) Encode(v string) ([]byte, error) {
	if v == "" {
		return nil, fmt.Errorf("kvmap: empty string key")
	}
	return []byte(v), nil
}

func (stringCodec) Decode(b []byte) (string, error) {
	if len(b) == 0 {
		return "", fmt.Errorf("kvmap: empty string key")
	}
	return string(b), nil
}
