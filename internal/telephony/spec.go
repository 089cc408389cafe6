package telephony

import (
	"fmt"

	"github.com/acme/daily-callline/internal/config"
	"github.com/acme/daily-callline/internal/domain"
)

// SpecBuilder assembles CallSpecs from customer records and static voice
// configuration.
type SpecBuilder struct {
	cfg config.VoiceConfig
}

// NewSpecBuilder constructs a builder.
func NewSpecBuilder(cfg config.VoiceConfig) *SpecBuilder {
	return &SpecBuilder{cfg: cfg}
}

// Build produces the dial request for one customer and call kind.
func (b *SpecBuilder) Build(customer *domain.Customer, kind domain.CallKind) CallSpec {
	spec := CallSpec{
		CustomerID:     customer.ID,
		Phone:          customer.Phone,
		ProviderName:   b.cfg.ProviderName,
		ModelID:        b.cfg.ModelID,
		VoiceID:        b.cfg.VoiceID,
		MaxCallSeconds: b.cfg.MaxCallSeconds,
		CallbackURL:    b.cfg.CallbackURL,
	}

	name := customer.Name
	if name == "" {
		name = "there"
	}

	switch kind {
	case domain.CallKindWelcome:
		spec.SystemPrompt = fmt.Sprintf(
			"You are a warm, upbeat assistant making a first welcome call to %s. "+
				"Introduce the daily check-in service, explain that you will call once a day "+
				"around their preferred time, and ask if the time on file still works for them. "+
				"Keep the call short and friendly.", name)
		spec.FirstMessage = fmt.Sprintf("Hi %s! This is your new daily check-in line calling to say hello and get you set up.", name)
	default:
		spec.SystemPrompt = fmt.Sprintf(
			"You are a friendly assistant making a daily check-in call to %s. "+
				"Ask how they are doing today, listen for anything notable, and wrap up naturally. "+
				"Do not promise callbacks you cannot schedule.", name)
		if customer.LastCallSummary != "" {
			spec.SystemPrompt += fmt.Sprintf(
				" Context from the previous call: %s.", customer.LastCallSummary)
		}
		if customer.LastCallMood != "" {
			spec.SystemPrompt += fmt.Sprintf(
				" Their mood last time was %s; be sensitive to that.", customer.LastCallMood)
		}
		spec.FirstMessage = fmt.Sprintf("Hi %s, it's your daily check-in call. How are you doing today?", name)
	}

	return spec
}
