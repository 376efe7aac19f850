package consensus

import (
	"maker/pkg/answer"
	"maker/pkg/logx"
)

// Option configures a Loop.
type Option func(*Loop)

// WithExtractor replaces the default v1 clock extractor.
func WithExtractor(e answer.Extractor) Option {
	return func(l *Loop) { l.extractor = e }
}

// WithTemperature sets the exploration temperature passed to every oracle call.
func WithTemperature(t float32) Option {
	return func(l *Loop) { l.temperature = t }
}

// WithBatchSize issues up to k oracle calls concurrently between stopping
// checks. k <= 1 keeps strictly sequential sampling.
func WithBatchSize(k int) Option {
	return func(l *Loop) {
		if k < 1 {
			k = 1
		}
		l.batchSize = k
	}
}

// WithMaxConsecutiveParseFailures aborts a run with ErrDegradedOracle once n
// samples in a row are unparseable. 0 disables the check.
func WithMaxConsecutiveParseFailures(n int) Option {
	return func(l *Loop) {
		if n < 0 {
			n = 0
		}
		l.maxParseFailures = n
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		if r == nil {
			r = NopRecorder{}
		}
		l.recorder = r
	}
}

// WithLogger replaces the default "consensus" logger.
func WithLogger(logger *logx.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}
