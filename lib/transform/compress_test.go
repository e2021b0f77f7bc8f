// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transform

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

var compressedBackends = []Compression{
	CompressionLZ4,
	CompressionZstd,
	CompressionZlib,
	CompressionS2,
}

func compressibleData(size int) []byte {
	pattern := []byte("cluster 0042: the quick brown fox jumps over the lazy dog\n")
	data := make([]byte, 0, size+len(pattern))
	for len(data) < size {
		data = append(data, pattern...)
	}
	return data[:size]
}

func randomData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return data
}

func TestCompressRoundTrip(t *testing.T) {
	for _, tag := range compressedBackends {
		t.Run(tag.String(), func(t *testing.T) {
			compressor, err := NewCompressor(tag)
			if err != nil {
				t.Fatalf("NewCompressor(%s): %v", tag, err)
			}
			if compressor.Tag() != tag {
				t.Errorf("Tag() = %s, want %s", compressor.Tag(), tag)
			}

			for _, size := range []int{512, 4096, 65536} {
				original := compressibleData(size)
				compressed, err := compressor.Compress(nil, original)
				if err != nil {
					t.Fatalf("Compress(%d bytes): %v", size, err)
				}
				if len(compressed) >= size {
					t.Errorf("compressed %d bytes to %d, expected reduction", size, len(compressed))
				}

				restored, err := compressor.Decompress(nil, compressed, size)
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(restored, original) {
					t.Fatalf("round trip mismatch at size %d", size)
				}
			}
		})
	}
}

func TestCompressReusesDestination(t *testing.T) {
	for _, tag := range compressedBackends {
		t.Run(tag.String(), func(t *testing.T) {
			compressor, _ := NewCompressor(tag)
			original := compressibleData(4096)
			scratch := make([]byte, 0, 16384)

			compressed, err := compressor.Compress(scratch, original)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			restored, err := compressor.Decompress(make([]byte, 0, 4096), compressed, len(original))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(restored, original) {
				t.Fatal("round trip mismatch with caller buffers")
			}
		})
	}
}

func TestCompressIncompressible(t *testing.T) {
	original := randomData(t, 4096)
	for _, tag := range compressedBackends {
		t.Run(tag.String(), func(t *testing.T) {
			compressor, _ := NewCompressor(tag)
			_, err := compressor.Compress(nil, original)
			if !errors.Is(err, ErrIncompressible) {
				t.Errorf("Compress(random) error = %v, want ErrIncompressible", err)
			}
		})
	}
}

func TestDecompressWrongSize(t *testing.T) {
	original := compressibleData(4096)
	for _, tag := range compressedBackends {
		t.Run(tag.String(), func(t *testing.T) {
			compressor, _ := NewCompressor(tag)
			compressed, err := compressor.Compress(nil, original)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if _, err := compressor.Decompress(nil, compressed, 4000); err == nil {
				t.Error("Decompress with wrong size succeeded")
			}
		})
	}
}

func TestNewCompressorNone(t *testing.T) {
	compressor, err := NewCompressor(CompressionNone)
	if err != nil {
		t.Fatalf("NewCompressor(none): %v", err)
	}
	if compressor != nil {
		t.Errorf("NewCompressor(none) = %v, want nil", compressor)
	}
	if _, err := NewCompressor(Compression(99)); err == nil {
		t.Error("NewCompressor(99) succeeded")
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		name    string
		want    Compression
		wantErr bool
	}{
		{"none", CompressionNone, false},
		{"", CompressionNone, false},
		{"lz4", CompressionLZ4, false},
		{"zstd", CompressionZstd, false},
		{"zlib", CompressionZlib, false},
		{"s2", CompressionS2, false},
		{"brotli", 0, true},
	}
	for _, test := range tests {
		got, err := ParseCompression(test.name)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseCompression(%q) error = %v, wantErr %v", test.name, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("ParseCompression(%q) = %s, want %s", test.name, got, test.want)
		}
		if !test.wantErr && test.name != "" && got.String() != test.name {
			t.Errorf("%s.String() = %q", got, got.String())
		}
	}
}
