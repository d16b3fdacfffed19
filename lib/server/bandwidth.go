// Copyright (c) 2024 Netstore Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package server

import (
	"context"
	"io"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BandwidthConfig defines optional transfer rate limits.
type BandwidthConfig struct {
	Enable            bool  `yaml:"enable"`
	EgressBitsPerSec  int64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec int64 `yaml:"ingress_bits_per_sec"`
}

// BandwidthLimiter caps the byte rate of transfer streams. Disabled by
// default, in which case Reader and Writer are pass-throughs.
type BandwidthLimiter struct {
	egress  *rate.Limiter
	ingress *rate.Limiter
	enabled bool
	logger  *zap.Logger
}

// NewBandwidthLimiter creates a limiter from config.
func NewBandwidthLimiter(config BandwidthConfig, logger *zap.Logger) *BandwidthLimiter {
	if !config.Enable {
		return &BandwidthLimiter{
			enabled: false,
			logger:  logger,
		}
	}

	egressBytesPerSec := config.EgressBitsPerSec / 8
	ingressBytesPerSec := config.IngressBitsPerSec / 8

	// Burst of one second worth of data, but never below the transfer chunk
	// size so a single chunk can always pass.
	egressBurst := int(egressBytesPerSec)
	if egressBurst < transferChunkSize {
		egressBurst = transferChunkSize
	}
	ingressBurst := int(ingressBytesPerSec)
	if ingressBurst < transferChunkSize {
		ingressBurst = transferChunkSize
	}

	logger.Info("Bandwidth limiting enabled",
		zap.Int64("egress_bytes_per_sec", egressBytesPerSec),
		zap.Int64("ingress_bytes_per_sec", ingressBytesPerSec))

	return &BandwidthLimiter{
		egress:  rate.NewLimiter(rate.Limit(egressBytesPerSec), egressBurst),
		ingress: rate.NewLimiter(rate.Limit(ingressBytesPerSec), ingressBurst),
		enabled: true,
		logger:  logger,
	}
}

// Reader wraps r with ingress limiting.
func (bl *BandwidthLimiter) Reader(r io.Reader) io.Reader {
	if !bl.enabled {
		return r
	}
	return &limitedReader{reader: r, limiter: bl.ingress}
}

// Writer wraps w with egress limiting.
func (bl *BandwidthLimiter) Writer(w io.Writer) io.Writer {
	if !bl.enabled {
		return w
	}
	return &limitedWriter{writer: w, limiter: bl.egress}
}

type limitedReader struct {
	reader  io.Reader
	limiter *rate.Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if err := lr.limiter.WaitN(context.Background(), len(p)); err != nil {
		return 0, err
	}
	return lr.reader.Read(p)
}

type limitedWriter struct {
	writer  io.Writer
	limiter *rate.Limiter
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if err := lw.limiter.WaitN(context.Background(), len(p)); err != nil {
		return 0, err
	}
	return lw.writer.Write(p)
}
