package audio

// Sample rates used at the bridge boundaries.
const (
	// TelephonyRate is the fixed rate of μ-law telephone audio.
	TelephonyRate = 8000

	// RemoteInputRate is the rate telephony audio is upsampled to before it
	// reaches the speech model.
	RemoteInputRate = 16000

	// RemoteOutputRate is the rate speech models reply at.
	RemoteOutputRate = 24000
)

// Codec converts audio between a transport's native encoding and the linear
// PCM frames exchanged with the remote speech session. Implementations are
// stateless and safe for concurrent use.
type Codec interface {
	// InputRate is the sample rate of frames produced by ToRemote.
	InputRate() int

	// ToRemote converts one raw transport payload into a PCM frame for the
	// remote session.
	ToRemote(payload []byte) AudioFrame

	// FromRemote converts a PCM frame received from the remote session into
	// the transport's native payload.
	FromRemote(frame AudioFrame) []byte
}

// TelephonyCodec bridges 8 kHz μ-law telephone audio and 16/24 kHz PCM.
type TelephonyCodec struct{}

var _ Codec = TelephonyCodec{}

// InputRate implements [Codec].
func (TelephonyCodec) InputRate() int { return RemoteInputRate }

// ToRemote decodes μ-law and upsamples the result to 16 kHz.
func (TelephonyCodec) ToRemote(payload []byte) AudioFrame {
	return AudioFrame{
		Data:       Upsample8kTo16k(DecodeMulaw(payload)),
		SampleRate: RemoteInputRate,
		Channels:   1,
	}
}

// FromRemote brings a remote frame down to 8 kHz and encodes it as μ-law.
// 24 kHz frames take the decimation fast path; any other rate is resampled by
// linear interpolation.
func (TelephonyCodec) FromRemote(frame AudioFrame) []byte {
	pcm := frame.Data
	switch frame.SampleRate {
	case TelephonyRate:
	case RemoteOutputRate:
		pcm = Decimate24kTo8k(pcm)
	default:
		pcm = ResampleMono16(pcm, frame.SampleRate, TelephonyRate)
	}
	return EncodeMulaw(pcm)
}

// PCMCodec passes linear PCM through for transports that already speak it,
// such as a local sound card. Captured audio keeps the device's native rate;
// remote audio is resampled to PlaybackRate when the rates differ.
type PCMCodec struct {
	SampleRate   int
	PlaybackRate int
}

var _ Codec = PCMCodec{}

// InputRate implements [Codec].
func (c PCMCodec) InputRate() int { return c.SampleRate }

// ToRemote wraps the captured samples in a frame at the device rate. A
// trailing odd byte is dropped.
func (c PCMCodec) ToRemote(payload []byte) AudioFrame {
	return AudioFrame{
		Data:       payload[:len(payload)&^1],
		SampleRate: c.SampleRate,
		Channels:   1,
	}
}

// FromRemote returns the frame's samples at PlaybackRate.
func (c PCMCodec) FromRemote(frame AudioFrame) []byte {
	if c.PlaybackRate <= 0 || frame.SampleRate == c.PlaybackRate {
		return frame.Data
	}
	return ResampleMono16(frame.Data, frame.SampleRate, c.PlaybackRate)
}
