package websub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateCallbackBase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base  string
		valid bool
	}{
		{"https://announcer.acme.io", true},
		{"https://announcer.acme.io/hooks/", true},
		{"http://203.0.113.7:8080", true},
		{"", false},
		{"ftp://acme.io", false},
		{"https://", false},
		{"http://localhost:8080", false},
		{"http://127.0.0.1", false},
		{"http://[::1]:8080", false},
		{"http://0.0.0.0", false},
		{"https://example.com", false},
		{"https://hooks.example.org", false},
		{"https://bot.invalid", false},
		{"https://bot.test", false},
		{"https://app.localhost", false},
		{"https://acme.io/?q=1", false},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			t.Parallel()
			err := ValidateCallbackBase(tt.base)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidCallbackBase)
			}
		})
	}
}

func TestTopicAndCallbackURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"https://www.youtube.com/xml/feeds/videos.xml?channel_id=UCuAXFkgsw1L7xaCfnd5JJOw",
		TopicURL("UCuAXFkgsw1L7xaCfnd5JJOw"))
	assert.Equal(t,
		"https://announcer.acme.io/websub/UCuAXFkgsw1L7xaCfnd5JJOw",
		CallbackURL("https://announcer.acme.io/", "UCuAXFkgsw1L7xaCfnd5JJOw"))
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	body := []byte("<feed/>")
	good := Sign("k", body)

	assert.True(t, VerifySignature("k", body, good))
	assert.True(t, VerifySignature("k", body, "SHA1="+good[len("sha1="):]))
	assert.False(t, VerifySignature("k", []byte("<feed />"), good))
	assert.False(t, VerifySignature("other", body, good))
	assert.False(t, VerifySignature("", body, good))
	assert.False(t, VerifySignature("k", body, ""))
	assert.False(t, VerifySignature("k", body, "md5=abcd"))
	assert.False(t, VerifySignature("k", body, "sha1=zz"))
	assert.False(t, VerifySignature("k", body, "nonsense"))
}
