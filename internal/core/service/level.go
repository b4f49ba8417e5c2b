package service

import (
	"context"
	"math"
	"math/cmplx"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"gonum.org/v1/gonum/dsp/fourier"
)

// AudioLevelMeter samples the microphone and reports a level in [0, 1].
type AudioLevelMeter struct {
	sampler domain.AudioSampler
	size    int

	mu       sync.Mutex
	fft      *fourier.FFT
	coeffs   []complex128
	released bool
}

// NewAudioLevelMeter analyzes at most size samples per reading.
func NewAudioLevelMeter(sampler domain.AudioSampler, size int) *AudioLevelMeter {
	return &AudioLevelMeter{
		sampler: sampler,
		size:    size,
		fft:     fourier.NewFFT(size),
	}
}

// Sample reads one buffer and returns its RMS amplitude, computed from
// the spectrum energy.
func (m *AudioLevelMeter) Sample(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return 0, domain.ErrMeterReleased
	}

	samples, _, err := m.sampler.ReadSamples(ctx)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}

	n := len(samples)
	if n > m.size {
		samples = samples[n-m.size:]
		n = m.size
	}
	var coeffs []complex128
	if n == m.size {
		m.coeffs = m.fft.Coefficients(m.coeffs, samples)
		coeffs = m.coeffs
	} else {
		coeffs = fourier.NewFFT(n).Coefficients(nil, samples)
	}

	return clampUnit(rmsFromSpectrum(coeffs, n)), nil
}

// Release stops further sampling. It is safe to call more than once.
func (m *AudioLevelMeter) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	m.coeffs = nil
}

// rmsFromSpectrum applies Parseval's theorem to the half spectrum of a
// real sequence of length n.
func rmsFromSpectrum(coeffs []complex128, n int) float64 {
	var energy float64
	for k, c := range coeffs {
		mag := cmplx.Abs(c)
		w := 2.0
		if k == 0 || (n%2 == 0 && k == n/2) {
			w = 1
		}
		energy += w * mag * mag
	}
	return math.Sqrt(energy / float64(n*n))
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
