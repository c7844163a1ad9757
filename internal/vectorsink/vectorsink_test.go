package vectorsink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/weaviate/weaviate/entities/models"
)

func TestBaseProperties_IncludesFixedMapping(t *testing.T) {
	props := baseProperties(nil)
	names := propertyNames(props)
	for _, want := range []string{"mail_id", "filter_user_id", "filter_year", "filter_month", "filter_day", "search_mail_content", "search_mail_header"} {
		assert.Contains(t, names, want)
	}
}

func TestBaseProperties_AddsConfiguredExtrasWithoutDuplicating(t *testing.T) {
	props := baseProperties([]string{"filter_mailbox", "filter_folder", "mail_id"})
	names := propertyNames(props)
	assert.Contains(t, names, "filter_mailbox")
	assert.Contains(t, names, "filter_folder")

	count := 0
	for _, n := range names {
		if n == "mail_id" {
			count++
		}
	}
	assert.Equal(t, 1, count, "mail_id should not be duplicated")
}

func TestVectorizerModule(t *testing.T) {
	assert.Equal(t, "text2vec-openai", vectorizerModule("openai"))
	assert.Equal(t, "text2vec-ollama", vectorizerModule("ollama"))
	assert.Equal(t, "none", vectorizerModule("unknown"))
}

func TestHasAllProperties(t *testing.T) {
	cls := &models.Class{
		Properties: []*models.Property{
			{Name: "mail_id"},
			{Name: "filter_mailbox"},
		},
	}
	assert.True(t, hasAllProperties(cls, []string{"filter_mailbox"}))
	assert.False(t, hasAllProperties(cls, []string{"filter_folder"}))
}

func propertyNames(props []*models.Property) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = p.Name
	}
	return out
}
