package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListUnsubscribeValue_IncludesMailtoAlternative(t *testing.T) {
	got := listUnsubscribeValue("https://app.example.com/unsubscribe?token=tok", "digest@quest.example.com")
	assert.Equal(t, "<https://app.example.com/unsubscribe?token=tok>, <mailto:unsubscribe@quest.example.com>", got)
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "quest.example.com", domainOf("digest@quest.example.com"))
	assert.Equal(t, "localhost", domainOf("no-at-sign"))
	assert.Equal(t, "localhost", domainOf("trailing@"))
}
