package domain

import "errors"

var (
	ErrStatsUnavailable             = errors.New("stats source unavailable")
	ErrEncodingParameterUnsupported = errors.New("encoding parameters unsupported")
	ErrDescriptionApply             = errors.New("session description apply failed")
	ErrNegotiationExhausted         = errors.New("negotiation retries exhausted")
	ErrNoAudioInput                 = errors.New("no audio input")
	ErrInvalidSampleRate            = errors.New("invalid sample rate")
	ErrInvalidFrameSize             = errors.New("invalid frame size")
	ErrInvalidTransition            = errors.New("invalid negotiation state transition")
	ErrIdenticalPeerIDs             = errors.New("peers share the same identifier")
	ErrCallEnded                    = errors.New("call ended")
	ErrCallNotFound                 = errors.New("call not found")
	ErrCallExists                   = errors.New("call already exists")
)
