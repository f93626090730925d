// Package spectral computes the per-tick acoustic features of a PCM window:
// broadband RMS energy in decibels and a Hann-windowed magnitude spectrum.
// All scratch buffers are allocated once at construction so the tick loop
// runs allocation-free.
package spectral

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// DbFloor is the lower clamp for computed levels. Silence and denormal
// energies report this value instead of running off towards -Inf.
const DbFloor = -120.0

const epsilon = 1e-12

// Snapshot holds the features extracted from one analysis window.
type Snapshot struct {
	// Samples is the number of PCM samples the snapshot was computed from.
	Samples int

	// RMS is the root mean square amplitude in raw sample units.
	RMS float64

	// Db is the RMS level relative to the configured reference, in decibels,
	// clamped to [DbFloor].
	Db float64

	// Spectrum holds magnitude bins from DC up to (not including) Nyquist.
	// The slice aliases the analyzer's scratch space and is only valid until
	// the next Analyze call.
	Spectrum []float64
}

// Analyzer turns raw PCM windows into [Snapshot] values.
type Analyzer struct {
	windowSize  int
	fftSize     int
	sampleRate  int
	dbReference float64

	fft *fourier.FFT

	window []float64    // Hann coefficients
	input  []float64    // windowed real input
	coeffs []complex128 // FFT output, fftSize/2+1 entries
	mags   []float64    // magnitude bins handed out via Snapshot
}

// New creates an analyzer for windows of windowSize samples at sampleRate Hz.
// The spectrum is computed over the most recent fftSize samples of each
// window; fftSize must be a power of two no larger than windowSize.
func New(windowSize, fftSize, sampleRate int, dbReference float64) (*Analyzer, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("spectral: window size %d must be positive", windowSize)
	}
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("spectral: fft size %d must be a power of two", fftSize)
	}
	if fftSize > windowSize {
		return nil, fmt.Errorf("spectral: fft size %d exceeds window size %d", fftSize, windowSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("spectral: sample rate %d must be positive", sampleRate)
	}
	if dbReference <= 0 {
		return nil, fmt.Errorf("spectral: db reference %g must be positive", dbReference)
	}

	hann := make([]float64, fftSize)
	for i := range hann {
		hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
	}

	return &Analyzer{
		windowSize:  windowSize,
		fftSize:     fftSize,
		sampleRate:  sampleRate,
		dbReference: dbReference,
		fft:         fourier.NewFFT(fftSize),
		window:      hann,
		input:       make([]float64, fftSize),
		coeffs:      make([]complex128, fftSize/2+1),
		mags:        make([]float64, fftSize/2+1),
	}, nil
}

// BinWidth returns the frequency resolution of the spectrum in Hz.
func (a *Analyzer) BinWidth() float64 {
	return float64(a.sampleRate) / float64(a.fftSize)
}

// WindowSize returns the number of samples one snapshot is computed from.
func (a *Analyzer) WindowSize() int {
	return a.windowSize
}

// Analyze computes the features of pcm. The RMS covers every sample given;
// the spectrum covers the trailing fftSize samples, zero-padded when fewer
// are available. An empty window reports the floor level and a zero spectrum.
func (a *Analyzer) Analyze(pcm []int16) Snapshot {
	n := len(pcm)

	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	rms := 0.0
	if n > 0 {
		rms = math.Sqrt(sum / float64(n))
	}

	db := 20 * math.Log10(math.Max(rms, epsilon)/a.dbReference)
	if db < DbFloor {
		db = DbFloor
	}

	// Spectrum over the most recent fftSize samples.
	tail := pcm
	if len(tail) > a.fftSize {
		tail = tail[len(tail)-a.fftSize:]
	}
	for i := range a.input {
		if i < len(tail) {
			a.input[i] = float64(tail[i]) * a.window[i]
		} else {
			a.input[i] = 0
		}
	}
	a.fft.Coefficients(a.coeffs, a.input)
	for i, c := range a.coeffs {
		a.mags[i] = cmplx.Abs(c)
	}

	return Snapshot{
		Samples:  n,
		RMS:      rms,
		Db:       db,
		Spectrum: a.mags[:a.fftSize/2],
	}
}
