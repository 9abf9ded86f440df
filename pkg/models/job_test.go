package models_test

import (
	"testing"

	"github.com/kiranshivaraju/podcastd/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.JobStatus
		want     bool
	}{
		{models.JobStatusPending, models.JobStatusProcessing, true},
		{models.JobStatusPending, models.JobStatusCancelled, true},
		{models.JobStatusPending, models.JobStatusCompleted, false},
		{models.JobStatusPending, models.JobStatusFailed, false},
		{models.JobStatusProcessing, models.JobStatusProcessing, true},
		{models.JobStatusProcessing, models.JobStatusCompleted, true},
		{models.JobStatusProcessing, models.JobStatusFailed, true},
		{models.JobStatusProcessing, models.JobStatusCancelled, true},
		{models.JobStatusProcessing, models.JobStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, models.CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_NothingLeavesTerminal(t *testing.T) {
	all := []models.JobStatus{
		models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled,
	}
	for _, from := range models.TerminalStatuses() {
		assert.True(t, from.IsTerminal())
		for _, to := range all {
			assert.False(t, models.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, models.JobStatusPending.IsTerminal())
	assert.False(t, models.JobStatusProcessing.IsTerminal())
}

func TestGenerationRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     models.GenerationRequest
		field   string
		wantErr bool
	}{
		{name: "text only", req: models.GenerationRequest{Text: "hello world", TTSModel: "edge"}},
		{name: "topic only", req: models.GenerationRequest{Topic: "go generics"}},
		{name: "urls only", req: models.GenerationRequest{URLs: []string{"https://example.com/a"}}},
		{name: "empty", req: models.GenerationRequest{}, wantErr: true},
		{name: "blank inputs", req: models.GenerationRequest{Text: "  ", Topic: "\t", URLs: []string{""}}, wantErr: true},
		{name: "relative url", req: models.GenerationRequest{URLs: []string{"/a/b"}}, field: "urls[0]", wantErr: true},
		{name: "unknown tts", req: models.GenerationRequest{Text: "x", TTSModel: "espeak"}, field: "tts_model", wantErr: true},
		{name: "bad webhook", req: models.GenerationRequest{Text: "x", WebhookURL: "ftp://hook"}, field: "webhook_url", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Normalize()
			err := req.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestGenerationRequest_CreativityRange(t *testing.T) {
	c := 1.5
	req := models.GenerationRequest{Text: "x", Creativity: &c}
	req.Normalize()
	err := req.Validate()
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "creativity", verr.Field)
}

func TestGenerationRequest_NormalizeDefaults(t *testing.T) {
	req := models.GenerationRequest{Text: "x"}
	req.Normalize()
	assert.Equal(t, models.TTSOpenAI, req.TTSModel)
	assert.Equal(t, "English", req.OutputLanguage)
	require.NotNil(t, req.Creativity)
	assert.InDelta(t, 0.7, *req.Creativity, 1e-9)
}

func TestJob_CloneIsDeep(t *testing.T) {
	msg := "boom"
	j := &models.Job{
		Status:  models.JobStatusFailed,
		Error:   &msg,
		Request: models.GenerationRequest{URLs: []string{"https://a"}},
	}
	c := j.Clone()
	*c.Error = "changed"
	c.Request.URLs[0] = "https://b"
	assert.Equal(t, "boom", *j.Error)
	assert.Equal(t, "https://a", j.Request.URLs[0])
}

func TestPrincipal_CanAccess(t *testing.T) {
	owner := models.Principal{Name: "alice"}
	other := models.Principal{Name: "bob"}
	admin := models.Principal{Name: "ops", Admin: true}

	assert.True(t, owner.CanAccess("alice"))
	assert.False(t, other.CanAccess("alice"))
	assert.True(t, admin.CanAccess("alice"))
}
