package bucket

import (
	"errors"
	"testing"

	"github.com/matt-riley/flagbase/internal/datafile"
)

func TestNumberRegressionVectors(t *testing.T) {
	tests := map[string]int{
		"foo":               20602,
		"bar":               89144,
		"123.foo":           3151,
		"123.bar":           9710,
		"123.456.foo":       14432,
		"123.456.bar":       1982,
		"123.test-feature":  13722,
		"user-1.my-feature": 86224,
	}

	for key, want := range tests {
		if got := Number(key); got != want {
			t.Fatalf("Number(%q) = %d, want %d", key, got, want)
		}
	}
}

func TestNumberRange(t *testing.T) {
	for _, key := range []string{"", "a", "ab", "abc", "abcd", "héllo", "日本語.feature", "😀"} {
		got := Number(key)
		if got < 0 || got >= MaxBucketedNumber {
			t.Fatalf("Number(%q) = %d, outside [0, %d)", key, got, MaxBucketedNumber)
		}
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		bucketBy datafile.BucketBy
		ctx      datafile.Context
		want     string
	}{
		{
			name:     "plain attribute",
			bucketBy: datafile.BucketBy{Kind: datafile.BucketByPlain, Attributes: []string{"userId"}},
			ctx:      datafile.Context{"userId": "123"},
			want:     "123.test-feature",
		},
		{
			name:     "missing plain attribute",
			bucketBy: datafile.BucketBy{Kind: datafile.BucketByPlain, Attributes: []string{"userId"}},
			ctx:      datafile.Context{},
			want:     "test-feature",
		},
		{
			name:     "and keeps declaration order",
			bucketBy: datafile.BucketBy{Kind: datafile.BucketByAnd, Attributes: []string{"organizationId", "userId"}},
			ctx:      datafile.Context{"userId": "234", "organizationId": "123"},
			want:     "123.234.test-feature",
		},
		{
			name:     "and skips absent values",
			bucketBy: datafile.BucketBy{Kind: datafile.BucketByAnd, Attributes: []string{"organizationId", "userId"}},
			ctx:      datafile.Context{"userId": "234"},
			want:     "234.test-feature",
		},
		{
			name:     "or uses first present",
			bucketBy: datafile.BucketBy{Kind: datafile.BucketByOr, Attributes: []string{"userId", "deviceId"}},
			ctx:      datafile.Context{"deviceId": "d-9"},
			want:     "d-9.test-feature",
		},
		{
			name:     "or stops at first match",
			bucketBy: datafile.BucketBy{Kind: datafile.BucketByOr, Attributes: []string{"userId", "deviceId"}},
			ctx:      datafile.Context{"userId": "u", "deviceId": "d"},
			want:     "u.test-feature",
		},
		{
			name:     "nested path and numeric value",
			bucketBy: datafile.BucketBy{Kind: datafile.BucketByPlain, Attributes: []string{"user.id"}},
			ctx:      datafile.Context{"user": map[string]any{"id": float64(99)}},
			want:     "99.test-feature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Key("test-feature", tt.bucketBy, tt.ctx)
			if err != nil {
				t.Fatalf("Key() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyInvalidBucketBy(t *testing.T) {
	_, err := Key("f", datafile.BucketBy{}, datafile.Context{"userId": "1"})
	if !errors.Is(err, ErrInvalidBucketBy) {
		t.Fatalf("Key() error = %v, want ErrInvalidBucketBy", err)
	}
}

func BenchmarkNumber(b *testing.B) {
	for b.Loop() {
		_ = Number("123.456.my-feature")
	}
}

func FuzzNumber(f *testing.F) {
	f.Add("foo")
	f.Add("123.456.bar")
	f.Add("")

	f.Fuzz(func(t *testing.T, key string) {
		got := Number(key)
		if got < 0 || got >= MaxBucketedNumber {
			t.Fatalf("Number(%q) = %d", key, got)
		}
	})
}
