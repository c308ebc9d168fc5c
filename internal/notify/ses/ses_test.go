package ses

import (
	"context"
	"errors"
	"testing"

	"alertsync/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	inputs []*sesv2.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestNotifier_SendsEmail(t *testing.T) {
	client := &fakeSES{}
	n, err := NewWithClient(client, "alerts@acme.io", []string{"oncall@acme.io"}, zerolog.Nop())
	require.NoError(t, err)

	err = n.NotifyOperator(context.Background(), models.OperatorNotice{Fingerprint: "fp-1", Title: "Disk full", Reason: "HTTP 410"})
	require.NoError(t, err)

	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, "alerts@acme.io", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"oncall@acme.io"}, in.Destination.ToAddresses)
	assert.Equal(t, "[alertsync] alert not synced: Disk full", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Contains(t, aws.ToString(in.Content.Simple.Body.Text.Data), "HTTP 410")
}

func TestNotifier_Errors(t *testing.T) {
	_, err := NewWithClient(&fakeSES{}, "", []string{"a@b"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewWithClient(&fakeSES{}, "a@b", nil, zerolog.Nop())
	assert.Error(t, err)

	n, err := NewWithClient(&fakeSES{err: errors.New("throttled")}, "a@b", []string{"c@d"}, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorContains(t, n.NotifyOperator(context.Background(), models.OperatorNotice{}), "throttled")
}
