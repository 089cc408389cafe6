package telephony

import (
	"context"
)

// CallSpec is the fully-specified dial request sent to the voice provider.
// Every field is explicit; a missing prompt or voice id is a compile-time
// visible construction mistake rather than a provider-side 400.
type CallSpec struct {
	CustomerID     int64
	Phone          string // validated E.164
	ProviderName   string
	ModelID        string
	VoiceID        string
	SystemPrompt   string
	FirstMessage   string
	MaxCallSeconds int
	CallbackURL    string
}

// Result captures the provider's synchronous answer to a dial request.
// Accepted means the provider took the call; the conversation outcome
// arrives later through the webhook.
type Result struct {
	Accepted       bool
	ProviderCallID string
	Retryable      bool
	Error          string
}

// Provider abstracts the voice-call integration.
type Provider interface {
	PlaceCall(ctx context.Context, spec CallSpec) (Result, error)
}
