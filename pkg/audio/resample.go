package audio

// Upsample8kTo16k doubles the sample rate of 16-bit mono PCM by emitting every
// input sample twice (zero-order hold). The output always holds exactly twice
// as many samples as the input. A trailing odd byte is ignored.
//
// No interpolation or filtering is applied; the resulting images above 4 kHz
// are tolerated by speech models and cost nothing to compute.
func Upsample8kTo16k(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		j := i * 4
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// Decimate24kTo8k reduces 24 kHz 16-bit mono PCM to 8 kHz by keeping every
// third sample, starting with the first. The output holds ⌊n/3⌋ samples for
// n input samples.
//
// There is no anti-aliasing low-pass stage: content between 4 and 12 kHz
// folds back into the telephone band. Speech model output carries little
// energy there, so the artefacts are audible only on sibilants.
func Decimate24kTo8k(pcm []byte) []byte {
	n := len(pcm) / 2 / 3
	out := make([]byte, n*2)
	for i := range n {
		j := i * 6
		out[i*2] = pcm[j]
		out[i*2+1] = pcm[j+1]
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= srcSamples {
			srcIdx = srcSamples - 1
		}
		frac := srcPos - float64(srcIdx)

		s0 := sampleAt(pcm, srcIdx)
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = sampleAt(pcm, srcIdx+1)
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}
