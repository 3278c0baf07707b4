package content

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_NewQuestion(t *testing.T) {
	r := Defaults()

	c, err := r.Render("newQuestion", map[string]any{"title": "Why <b>?"})
	require.NoError(t, err)
	assert.Equal(t, "New question: Why <b>?", c.Subject)
	assert.Contains(t, c.HTMLBody, "Why &lt;b&gt;?")
	assert.Equal(t, "New question posted: Why <b>?", c.Text)
}

func TestDefaults_NewAnswerRequiresTitle(t *testing.T) {
	r := Defaults()

	_, err := r.Render("newAnswer", map[string]any{"title": 42})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "title"))
}

func TestRender_UnknownTemplate(t *testing.T) {
	_, err := NewRegistry().Render("missing", nil)
	assert.True(t, errors.Is(err, ErrUnknownTemplate))
}

func TestRegistry_RegisterAndTemplates(t *testing.T) {
	r := NewRegistry()
	r.Register("b", ProducerFunc(func(map[string]any) (Content, error) { return Content{Text: "b"}, nil }))
	r.Register("a", ProducerFunc(func(map[string]any) (Content, error) { return Content{Text: "a"}, nil }))

	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))
	assert.Equal(t, []string{"a", "b"}, r.Templates())

	c, err := r.Render("b", nil)
	require.NoError(t, err)
	assert.Equal(t, "b", c.Text)
}
