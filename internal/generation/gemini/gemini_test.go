package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/photovault/internal/photos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	response *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
}

func (fake *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	fake.model = model
	fake.contents = contents
	return fake.response, fake.err
}

func TestGenerateReturnsFirstInlineImage(t *testing.T) {
	t.Parallel()
	models := &fakeModels{response: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here you go"},
				{InlineData: &genai.Blob{Data: []byte("png-bytes"), MIMEType: "image/png"}},
				{InlineData: &genai.Blob{Data: []byte("second"), MIMEType: "image/png"}},
			}},
		}},
	}}
	provider := newWithGenerator(models, "")

	output, err := provider.Generate(context.Background(), photos.Image{Data: []byte("src"), MIMEType: "image/jpeg"}, "a prompt")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), output.Data)
	assert.Equal(t, "image/png", output.MIMEType)
	assert.Equal(t, DefaultModel, models.model)
	require.Len(t, models.contents, 1)
	require.Len(t, models.contents[0].Parts, 2)
	assert.Equal(t, "a prompt", models.contents[0].Parts[1].Text)
}

func TestGenerateWithoutImageFails(t *testing.T) {
	t.Parallel()
	models := &fakeModels{response: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "refused"}}}}},
	}}
	_, err := newWithGenerator(models, "custom-model").Generate(context.Background(), photos.Image{Data: []byte("src"), MIMEType: "image/png"}, "p")
	require.ErrorIs(t, err, ErrNoImage)
	assert.Equal(t, "custom-model", models.model)
}

func TestGeneratePropagatesClientErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("quota exceeded")
	_, err := newWithGenerator(&fakeModels{err: boom}, "").Generate(context.Background(), photos.Image{Data: []byte("src")}, "p")
	require.ErrorIs(t, err, boom)

	_, err = newWithGenerator(&fakeModels{}, "").Generate(context.Background(), photos.Image{}, "p")
	require.ErrorIs(t, err, photos.ErrInvalidInput)
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
