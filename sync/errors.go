package sync

import "fmt"

// FailureKind classifies a ChannelFailure.
type FailureKind int

const (
	// KindPublishUnavailable means the event could not be handed to the
	// transport: the channel is closed, its queue is full, or the transport
	// rejected it.
	KindPublishUnavailable FailureKind = iota + 1
	// KindMalformedEvent means an event failed validation or decoding.
	KindMalformedEvent
)

func (k FailureKind) String() string {
	switch k {
	case KindPublishUnavailable:
		return "publish unavailable"
	case KindMalformedEvent:
		return "malformed event"
	default:
		return "unknown channel failure"
	}
}

// ChannelFailure is returned by channel operations.
type ChannelFailure struct {
	Kind FailureKind
	Err  error
}

func (e *ChannelFailure) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ChannelFailure) Unwrap() error { return e.Err }

// Is matches the sentinels below by kind.
func (e *ChannelFailure) Is(target error) bool {
	t, ok := target.(*ChannelFailure)
	return ok && t.Kind == e.Kind && t.Err == nil
}

var (
	ErrPublishUnavailable = &ChannelFailure{Kind: KindPublishUnavailable}
	ErrMalformedEvent     = &ChannelFailure{Kind: KindMalformedEvent}
)

func malformed(err error) error {
	return &ChannelFailure{Kind: KindMalformedEvent, Err: err}
}

func unavailable(err error) error {
	return &ChannelFailure{Kind: KindPublishUnavailable, Err: err}
}
