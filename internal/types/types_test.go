package types

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestInferenceProviderKind_String(t *testing.T) {
	cases := []struct {
		kind InferenceProviderKind
		want string
	}{
		{ProviderOpenAI, "openai"},
		{ProviderAnthropic, "anthropic"},
		{ProviderBedrock, "bedrock"},
		{ProviderGemini, "gemini"},
		{ProviderOllama, "ollama"},
		{ProviderOpenAICompatible, "openai-compatible"},
		{InferenceProviderKind(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("%v.String() = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestInferenceProvider_String(t *testing.T) {
	t.Run("named openai-compatible provider includes the name", func(t *testing.T) {
		p := InferenceProvider{Kind: ProviderOpenAICompatible, Name: "xai"}
		if got, want := p.String(), "openai-compatible:xai"; got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	})

	t.Run("builtin provider ignores Name", func(t *testing.T) {
		p := InferenceProvider{Kind: ProviderOpenAI, Name: "ignored"}
		if got, want := p.String(), "openai"; got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	})

	t.Run("openai-compatible with no name falls back to the kind", func(t *testing.T) {
		p := InferenceProvider{Kind: ProviderOpenAICompatible}
		if got, want := p.String(), "openai-compatible"; got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	})
}

func TestModelId_String(t *testing.T) {
	m := ModelId{Provider: InferenceProvider{Kind: ProviderAnthropic}, Model: "claude-3-5-sonnet"}
	if got, want := m.String(), "anthropic/claude-3-5-sonnet"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestProviderKey_ComparableAsMapKey(t *testing.T) {
	a := NewSecret("sk-aaa")
	b := NewSecret("sk-bbb")

	m := make(map[ProviderKey]string)
	m[ProviderKey{Secret: &a}] = "first"
	m[ProviderKey{Secret: &b}] = "second"

	if len(m) != 2 {
		t.Fatalf("expected 2 distinct keys (pointer identity), got %d", len(m))
	}

	// The zero ProviderKey (neither field set) is also a valid, distinct key.
	m[ProviderKey{}] = "zero"
	if len(m) != 3 {
		t.Errorf("expected the zero-value key to be distinct, got %d entries", len(m))
	}
}

func TestSecret_NeverLeaksViaFormattingOrJSON(t *testing.T) {
	s := NewSecret("super-secret-value")

	if got := s.String(); got != "*****" {
		t.Errorf("String() = %q, want masked", got)
	}
	if got := fmt.Sprintf("%v", s); got != "*****" {
		t.Errorf("%%v formatting leaked the secret: %q", got)
	}
	if got := fmt.Sprintf("%s", s); got != "*****" {
		t.Errorf("%%s formatting leaked the secret: %q", got)
	}
	if got := fmt.Sprintf("%#v", s); got != "*****" {
		t.Errorf("%%#v formatting leaked the secret: %q", got)
	}

	body, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(body) != `"*****"` {
		t.Errorf("MarshalJSON leaked the secret: %s", body)
	}

	if got := s.Expose(); got != "super-secret-value" {
		t.Errorf("Expose() = %q, want the original value", got)
	}
}

func TestSecret_MarshalJSONInsideStruct(t *testing.T) {
	type wrapper struct {
		APIKey Secret[string] `json:"api_key"`
	}
	w := wrapper{APIKey: NewSecret("sk-should-not-appear")}

	body, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if got, want := string(body), `{"api_key":"*****"}`; got != want {
		t.Errorf("Marshal(wrapper) = %s, want %s", got, want)
	}
}
