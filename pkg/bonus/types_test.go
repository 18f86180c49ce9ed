package bonus

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizePhoneVariants(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "international", raw: "380631234567", expected: "380631234567"},
		{name: "plus prefixed", raw: "+380631234567", expected: "380631234567"},
		{name: "eleven digit national", raw: "80631234567", expected: "380631234567"},
		{name: "ten digit national", raw: "0631234567", expected: "380631234567"},
		{name: "nine digit bare", raw: "631234567", expected: "380631234567"},
		{name: "formatted", raw: "+38 (063) 123-45-67", expected: "380631234567"},
		{name: "foreign number kept as is", raw: "14155552671", expected: "14155552671"},
		{name: "no digits", raw: "call me", expected: ""},
	}
	for _, testCase := range cases {
		test.Run(testCase.name, func(test *testing.T) {
			if normalized := NormalizePhone(testCase.raw); normalized != testCase.expected {
				test.Fatalf("expected %q, got %q", testCase.expected, normalized)
			}
		})
	}
}

func TestNewIdentityClassifiesEmailAndPhone(test *testing.T) {
	test.Parallel()
	email, err := NewIdentity("buyer@example.com")
	if err != nil {
		test.Fatalf("email identity: %v", err)
	}
	if !email.IsEmail() || email.String() != "buyer@example.com" {
		test.Fatalf("unexpected email identity %q", email.String())
	}

	phone, err := NewIdentity("+38 (063) 123-45-67")
	if err != nil {
		test.Fatalf("phone identity: %v", err)
	}
	if phone.IsEmail() || phone.String() != "380631234567" {
		test.Fatalf("unexpected phone identity %q", phone.String())
	}
}

func TestNewIdentityRejectsUnusableInput(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"", "   ", "call me"} {
		if _, err := NewIdentity(raw); !errors.Is(err, ErrInvalidIdentity) {
			test.Fatalf("expected ErrInvalidIdentity for %q, got %v", raw, err)
		}
	}
}

func TestConfigValidation(test *testing.T) {
	test.Parallel()
	if err := DefaultConfig().Validate(); err != nil {
		test.Fatalf("default config must validate: %v", err)
	}
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "negative accrual", mutate: func(config *Config) { config.AccrualPercent = -0.1 }},
		{name: "zero redemption cap", mutate: func(config *Config) { config.RedemptionCapPercent = 0 }},
		{name: "cap above one", mutate: func(config *Config) { config.RedemptionCapPercent = 1.5 }},
		{name: "non-positive expiry window", mutate: func(config *Config) { config.ExpiryWindow = 0 }},
		{name: "zero history entries", mutate: func(config *Config) { config.MaxHistoryEntries = 0 }},
		{name: "zero history length", mutate: func(config *Config) { config.MaxHistoryLength = 0 }},
		{name: "keep count above entry bound", mutate: func(config *Config) { config.TruncateKeepEntries = config.MaxHistoryEntries + 1 }},
	}
	for _, testCase := range mutations {
		test.Run(testCase.name, func(test *testing.T) {
			config := DefaultConfig()
			testCase.mutate(&config)
			if err := config.Validate(); !errors.Is(err, ErrInvalidServiceConfig) {
				test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
			}
		})
	}
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0, 0)
	clock := func() time.Time { return fixedNow }

	if _, err := NewService(nil, DefaultConfig(), clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(store, DefaultConfig(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
	invalid := DefaultConfig()
	invalid.RedemptionCapPercent = 0
	if _, err := NewService(store, invalid, clock); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for bad config, got %v", err)
	}
}
