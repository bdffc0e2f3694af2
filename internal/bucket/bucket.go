// Package bucket maps bucket keys onto a stable integer range.
package bucket

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/twmb/murmur3"

	"github.com/matt-riley/flagbase/internal/datafile"
)

const (
	// HashSeed is the MurmurHash3 seed for every bucket key.
	HashSeed uint32 = 1
	// MaxBucketedNumber is the exclusive upper bound of bucket values; rule
	// percentages and allocation ranges share this scale.
	MaxBucketedNumber = 100000

	KeySeparator = "."
)

var ErrInvalidBucketBy = errors.New("invalid bucketBy")

const maxHashValue = 4294967296 // 2^32

// Number returns the bucket value of key in [0, MaxBucketedNumber).
func Number(key string) int {
	ratio := float64(Murmur3(key, HashSeed)) / maxHashValue
	return int(ratio * MaxBucketedNumber)
}

// Murmur3 is MurmurHash3 x86_32 over the low byte of each UTF-16 code unit of
// key. Keys containing only ASCII hash exactly as their bytes would.
func Murmur3(key string, seed uint32) uint32 {
	return murmur3.SeedSum32(seed, hashBytes(key))
}

func hashBytes(key string) []byte {
	ascii := true
	for i := 0; i < len(key); i++ {
		if key[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return []byte(key)
	}

	units := utf16.Encode([]rune(key))
	out := make([]byte, len(units))
	for i, unit := range units {
		out[i] = byte(unit)
	}
	return out
}

// Key builds the bucket key of featureKey for ctx. Attribute values come
// first in declaration order, the feature key last.
func Key(featureKey string, bucketBy datafile.BucketBy, ctx datafile.Context) (string, error) {
	var values []string

	switch bucketBy.Kind {
	case datafile.BucketByPlain, datafile.BucketByAnd:
		for _, attribute := range bucketBy.Attributes {
			if value, ok := ctx.Value(attribute); ok {
				values = append(values, datafile.Stringify(value))
			}
		}
	case datafile.BucketByOr:
		for _, attribute := range bucketBy.Attributes {
			if value, ok := ctx.Value(attribute); ok {
				values = append(values, datafile.Stringify(value))
				break
			}
		}
	default:
		return "", fmt.Errorf("%w: feature %q", ErrInvalidBucketBy, featureKey)
	}

	values = append(values, featureKey)
	return strings.Join(values, KeySeparator), nil
}
