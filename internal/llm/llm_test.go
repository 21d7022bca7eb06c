package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidemarklabs/recalld/internal/errs"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, ProviderOllama, cfg.Provider)
	assert.Equal(t, "qwen2.5:7b", cfg.Model)
	assert.NoError(t, cfg.Validate())

	cfg = Config{Provider: ProviderOpenAI}
	cfg.ApplyDefaults()
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	err := cfg.Validate()
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err), "openai needs a key")

	cfg = Config{Provider: "claude"}
	assert.Error(t, cfg.Validate())
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a": 1}`:                              `{"a": 1}`,
		"```json\n{\"a\": 1}\n```":              `{"a": 1}`,
		"```\n[1, 2]\n```":                      `[1, 2]`,
		"Here is the result:\n{\"a\": 1}\nDone": `{"a": 1}`,
		"no json here":                          "no json here",
	}
	for in, want := range cases {
		assert.Equal(t, want, ExtractJSON(in), in)
	}
}
