package analysis

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voicesafe/internal/observe"
	"github.com/MrWong99/voicesafe/pkg/audio"
	"github.com/MrWong99/voicesafe/pkg/audio/decode"
	"github.com/MrWong99/voicesafe/pkg/audio/decode/decodetest"
	"github.com/MrWong99/voicesafe/pkg/features"
	"github.com/MrWong99/voicesafe/pkg/scoring"
)

// makeWAV encodes interleaved samples in [-1, 1] as integer PCM.
func makeWAV(samples []float64, rate, channels, bits int) []byte {
	bytesPer := bits / 8
	dataLen := len(samples) * bytesPer
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(36+dataLen))
	b.WriteString("WAVEfmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))
	binary.Write(&b, binary.LittleEndian, uint16(channels))
	binary.Write(&b, binary.LittleEndian, uint32(rate))
	binary.Write(&b, binary.LittleEndian, uint32(rate*channels*bytesPer))
	binary.Write(&b, binary.LittleEndian, uint16(channels*bytesPer))
	binary.Write(&b, binary.LittleEndian, uint16(bits))
	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(dataLen))
	full := float64(int64(1)<<(bits-1) - 1)
	for _, s := range samples {
		v := int32(math.Round(s * full))
		for i := range bytesPer {
			b.WriteByte(byte(v >> (8 * i)))
		}
	}
	return b.Bytes()
}

// voice is a 150 Hz tone with low-level noise, pausing every second.
func voice(seconds float64, rate int) []float64 {
	r := rand.New(rand.NewPCG(7, 11))
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		t := float64(i) / float64(rate)
		if math.Mod(t, 1) > 0.8 {
			continue
		}
		out[i] = 0.5*math.Sin(2*math.Pi*150*t) + 0.01*r.NormFloat64()
	}
	return out
}

func interleave(mono []float64) []float64 {
	out := make([]float64, 2*len(mono))
	for i, s := range mono {
		out[2*i], out[2*i+1] = s, s
	}
	return out
}

func newTestAnalyzer(t *testing.T, decoders ...decode.Decoder) (*Analyzer, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if len(decoders) == 0 {
		decoders = []decode.Decoder{decode.NewWAV()}
	}
	a, err := New(decode.NewChain(decoders...), audio.DefaultNormalizeOptions(),
		features.DefaultParams(), scoring.DefaultWeights(), WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, reader
}

func analysesWith(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voicesafe.analyses" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("outcome")); ok && v.AsString() == outcome {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestAnalyze_WAV(t *testing.T) {
	a, reader := newTestAnalyzer(t)
	data := makeWAV(voice(3, 16000), 16000, 1, 16)

	rep, err := a.Analyze(context.Background(), audio.Payload{Data: data, Filename: "call.wav"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	for name, s := range map[string]float64{
		"scam": rep.Result.ScamRisk.Value, "ai": rep.Result.AIVoice.Value, "stress": rep.Result.Stress.Value,
	} {
		if s < 0 || s > 1 {
			t.Errorf("%s = %v, out of [0,1]", name, s)
		}
	}
	if rep.Result.LowConfidence {
		t.Error("3 s voiced clip flagged low-confidence")
	}
	if rep.Vector.VoicedRatio < 0.5 {
		t.Errorf("voiced_ratio = %v, want most frames voiced", rep.Vector.VoicedRatio)
	}
	m := rep.Meta
	if m.Decoder != "wav" || m.Filename != "call.wav" || m.Bytes != len(data) {
		t.Errorf("meta = %+v", m)
	}
	if m.Duration != 3*time.Second || m.SampleRate != 16000 {
		t.Errorf("duration %v at %d Hz, want 3s at 16000", m.Duration, m.SampleRate)
	}
	if got := analysesWith(t, reader, "ok"); got != 1 {
		t.Errorf("ok analyses = %d, want 1", got)
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	data := makeWAV(voice(2, 16000), 16000, 1, 16)

	first, err := a.Analyze(context.Background(), audio.Payload{Data: data})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	for range 3 {
		again, err := a.Analyze(context.Background(), audio.Payload{Data: data})
		if err != nil {
			t.Fatalf("Analyze: %v", err)
		}
		if again.Result.ScamRisk != first.Result.ScamRisk ||
			again.Result.AIVoice != first.Result.AIVoice ||
			again.Result.Stress != first.Result.Stress ||
			again.Vector != first.Vector {
			t.Fatal("repeated analysis of identical bytes differs")
		}
	}
}

// pcm16 quantises samples in [-1, 1] for encoders that take int16.
func pcm16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		out[i] = int16(math.Round(max(-1, min(1, v)) * math.MaxInt16))
	}
	return out
}

func TestAnalyze_ContainersAgree(t *testing.T) {
	a, _ := newTestAnalyzer(t, decode.NewWAV(), decode.NewOpus())
	mono := voice(3, 16000)
	mono48 := voice(3, decodetest.OpusRate)
	opus, err := decodetest.OggOpus(pcm16(mono48), 1)
	if err != nil {
		t.Fatalf("OggOpus: %v", err)
	}

	tests := []struct {
		name      string
		ref, data []byte
		tol       float64
	}{
		{"stereo 16-bit", makeWAV(mono, 16000, 1, 16), makeWAV(interleave(mono), 16000, 2, 16), 0.02},
		{"mono 24-bit", makeWAV(mono, 16000, 1, 16), makeWAV(mono, 16000, 1, 24), 0.02},
		// Lossy: the codec smooths the noise floor the voice quality
		// features look at.
		{"ogg opus", makeWAV(mono48, decodetest.OpusRate, 1, 16), opus, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := a.Analyze(context.Background(), audio.Payload{Data: tt.ref})
			if err != nil {
				t.Fatalf("reference: %v", err)
			}
			rep, err := a.Analyze(context.Background(), audio.Payload{Data: tt.data})
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if d := math.Abs(rep.Result.ScamRisk.Value - ref.Result.ScamRisk.Value); d > tt.tol {
				t.Errorf("scam risk differs by %v", d)
			}
			if d := math.Abs(rep.Result.AIVoice.Value - ref.Result.AIVoice.Value); d > tt.tol {
				t.Errorf("ai voice differs by %v", d)
			}
			if d := math.Abs(rep.Result.Stress.Value - ref.Result.Stress.Value); d > tt.tol {
				t.Errorf("stress differs by %v", d)
			}
		})
	}
}

func TestAnalyze_Truncates(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	data := makeWAV(voice(32, 16000), 16000, 1, 16)

	rep, err := a.Analyze(context.Background(), audio.Payload{Data: data})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !rep.Meta.Truncated || rep.Meta.Duration != audio.DefaultMaxDuration {
		t.Fatalf("meta = %+v, want truncated to %v", rep.Meta, audio.DefaultMaxDuration)
	}
}

func TestAnalyze_SilenceIsLowConfidence(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	data := makeWAV(make([]float64, 16000), 16000, 1, 16)

	rep, err := a.Analyze(context.Background(), audio.Payload{Data: data})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !rep.Result.LowConfidence {
		t.Fatal("silent clip not flagged low-confidence")
	}
}

func TestAnalyze_Errors(t *testing.T) {
	a, reader := newTestAnalyzer(t)

	tests := []struct {
		name    string
		payload audio.Payload
		want    error
		outcome string
	}{
		{"zero bytes", audio.Payload{}, ErrEmptyAudio, "empty"},
		{"text", audio.Payload{Data: []byte("just some words, no audio here at all")}, ErrUnsupportedFormat, "unsupported"},
		{"truncated header", audio.Payload{Data: []byte("RIFF\x10\x00\x00\x00WAVEfmt "), ContentType: "audio/wav"}, ErrUnsupportedFormat, "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := a.Analyze(context.Background(), tt.payload)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if rep != nil {
				t.Fatal("report returned alongside error")
			}
			if got := Outcome(err); got != tt.outcome {
				t.Errorf("Outcome = %q, want %q", got, tt.outcome)
			}
		})
	}
	if got := analysesWith(t, reader, "unsupported"); got != 2 {
		t.Errorf("unsupported analyses = %d, want 2", got)
	}
}

func TestAnalyze_NoDecoderAvailable(t *testing.T) {
	a, reader := newTestAnalyzer(t, decode.NewWAV(), decode.NewFFmpeg("/nonexistent/ffmpeg"))
	m4a := append([]byte("\x00\x00\x00\x20ftypM4A \x00\x00\x00\x00M4A mp42isom"), make([]byte, 512)...)

	_, err := a.Analyze(context.Background(), audio.Payload{Data: m4a})
	if !errors.Is(err, ErrDecoderUnavailable) {
		t.Fatalf("err = %v, want ErrDecoderUnavailable", err)
	}
	if errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, a format nothing inspected is not unsupported", err)
	}
	if got := Outcome(err); got != "unavailable" {
		t.Errorf("Outcome = %q, want unavailable", got)
	}
	if got := analysesWith(t, reader, "unavailable"); got != 1 {
		t.Errorf("unavailable analyses = %d, want 1", got)
	}
}

func TestAnalyze_CancelledBeforeStart(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Analyze(ctx, audio.Payload{Data: makeWAV(voice(1, 16000), 16000, 1, 16)})
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want ErrCancelled wrapping context.Canceled", err)
	}
	if got := Outcome(err); got != "cancelled" {
		t.Errorf("Outcome = %q", got)
	}
}

// cancellingDecoder ends the call's context while decoding, like a client
// that disconnects during a slow decode.
type cancellingDecoder struct {
	cancel context.CancelFunc
}

func (*cancellingDecoder) Name() string        { return "slow" }
func (*cancellingDecoder) Accepts(string) bool { return true }
func (d *cancellingDecoder) Decode(ctx context.Context, _ []byte, _ decode.Options) (*audio.PCM, error) {
	d.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAnalyze_CancelledDuringDecode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, _ := newTestAnalyzer(t, &cancellingDecoder{cancel: cancel})

	_, err := a.Analyze(ctx, audio.Payload{Data: makeWAV(voice(1, 16000), 16000, 1, 16)})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestAnalyze_DeadlineIsTimeout(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := a.Analyze(ctx, audio.Payload{Data: makeWAV(voice(1, 16000), 16000, 1, 16)})
	if got := Outcome(err); got != "timeout" {
		t.Fatalf("Outcome = %q (err %v), want timeout", got, err)
	}
}

func TestSetWeights(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	data := makeWAV(voice(2, 16000), 16000, 1, 16)

	before, err := a.Analyze(context.Background(), audio.Payload{Data: data})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	w := scoring.DefaultWeights()
	w.Stress.Center += 0.5
	if err := a.SetWeights(w); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	after, err := a.Analyze(context.Background(), audio.Payload{Data: data})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if after.Result.Stress.Value >= before.Result.Stress.Value {
		t.Errorf("stress %v after raising the center, want below %v", after.Result.Stress.Value, before.Result.Stress.Value)
	}

	bad := scoring.DefaultWeights()
	bad.Labels.Medium = 2
	if err := a.SetWeights(bad); err == nil {
		t.Fatal("invalid weights accepted")
	}
	if a.Weights().Stress.Center != w.Stress.Center {
		t.Error("rejected weights replaced the active set")
	}
}

func TestSetParams_RejectsRateChange(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	p := features.DefaultParams()
	p.SampleRate = 22050
	if err := a.SetParams(p); err == nil {
		t.Fatal("sample rate change accepted")
	}

	p = features.DefaultParams()
	p.SilenceThreshold = 0.05
	if err := a.SetParams(p); err != nil {
		t.Fatalf("SetParams: %v", err)
	}
	if a.Params().SilenceThreshold != 0.05 {
		t.Error("params not swapped")
	}
}
