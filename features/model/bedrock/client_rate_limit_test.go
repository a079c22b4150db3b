package bedrock

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"

	"goa.design/converge/runtime/model"
)

type errorRuntimeClient struct {
	converseErr error
}

func (e *errorRuntimeClient) Converse(
	_ context.Context,
	_ *bedrockruntime.ConverseInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseOutput, error) {
	return nil, e.converseErr
}

func TestIsRateLimited_IdempotentOnSentinel(t *testing.T) {
	err := model.ErrRateLimited
	require.True(t, isRateLimited(err))

	wrapped := fmt.Errorf("provider: %w", err)
	require.True(t, isRateLimited(wrapped))
}

func TestIsRateLimited_ThrottlingCodes(t *testing.T) {
	require.True(t, isRateLimited(&smithy.GenericAPIError{Code: "ThrottlingException"}))
	require.True(t, isRateLimited(&smithy.GenericAPIError{Code: "TooManyRequestsException"}))
	require.False(t, isRateLimited(&smithy.GenericAPIError{Code: "ValidationException"}))
	require.False(t, isRateLimited(nil))
}

func TestComplete_WrapsRateLimitedErrors(t *testing.T) {
	rt := &errorRuntimeClient{converseErr: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	client, err := New(rt, Options{DefaultModel: "test-model"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []*model.Message{model.UserMessage("hello")},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "ThrottlingException", pe.Code)
	require.Equal(t, "slow down", pe.Message)
	require.True(t, pe.Retryable)
}

func TestWrapBedrockError_ClassifiesStatus(t *testing.T) {
	respErr := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{
			StatusCode: http.StatusForbidden,
			Header:     http.Header{"X-Amzn-Requestid": []string{"abc"}},
		}},
		Err: &smithy.GenericAPIError{Code: "AccessDeniedException"},
	}
	err := wrapBedrockError("converse", respErr)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindAuth, pe.Kind)
	require.Equal(t, http.StatusForbidden, pe.HTTPStatus)
	require.Equal(t, "abc", pe.RequestID)
	require.False(t, pe.Retryable)
}
