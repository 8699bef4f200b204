package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "bot_password: {{.ROSEY_BOT_PASSWORD}}",
			env:   map[string]string{"ROSEY_BOT_PASSWORD": "hunter2"},
			want:  "bot_password: hunter2",
		},
		{
			name:  "literal ${VAR} is not expanded",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "literal dollar preserved",
			input: "bot_password: p@ss$word",
			env:   map[string]string{},
			want:  "bot_password: p@ss$word",
		},
		{
			name:  "multiple substitutions in one line",
			input: "platform_url: {{.SCHEME}}://{{.HOST}}/socket",
			env:   map[string]string{"SCHEME": "wss", "HOST": "cytu.be"},
			want:  "platform_url: wss://cytu.be/socket",
		},
		{
			name:  "missing variable expands to empty",
			input: "bot_password: {{.NOT_SET_ANYWHERE}}",
			env:   map[string]string{},
			want:  "bot_password: ",
		},
		{
			name:  "no template syntax passes through",
			input: "channel: lounge\nbot_name: rosey",
			env:   map[string]string{"UNUSED": "x"},
			want:  "channel: lounge\nbot_name: rosey",
		},
		{
			name: "nested yaml",
			input: "nats_url: {{.NATS_URL}}\nchannel: {{.CHANNEL}}",
			env: map[string]string{
				"NATS_URL": "nats://bus:4222",
				"CHANNEL":  "lounge",
			},
			want: "nats_url: nats://bus:4222\nchannel: lounge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}

// Malformed template syntax must pass through untouched so the YAML parser
// can report it (or accept it as a literal string).
func TestExpandEnvMalformedTemplates(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "unclosed braces", input: "bot_password: {{.ROSEY_BOT_PASSWORD"},
		{name: "only opening braces", input: "bot_password: {{"},
		{name: "empty template", input: "bot_password: {{}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ROSEY_BOT_PASSWORD", "should-not-appear")
			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.input, string(result))
			assert.NotContains(t, string(result), "should-not-appear")
		})
	}
}

func TestExpandEnvFeedsYAML(t *testing.T) {
	t.Setenv("ROSEY_TEST_CHANNEL", "lounge")

	expanded := ExpandEnv([]byte("channel: {{.ROSEY_TEST_CHANNEL}}\nbot_name: rosey"))

	var out map[string]any
	assert.NoError(t, yaml.Unmarshal(expanded, &out))
	assert.Equal(t, "lounge", out["channel"])
	assert.Equal(t, "rosey", out["bot_name"])
}
