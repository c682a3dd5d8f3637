package chat_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{chat.ErrUnauthenticated, codes.Unauthenticated},
		{fmt.Errorf("open: %w", chat.ErrNotFound), codes.NotFound},
		{chat.ErrConflict, codes.AlreadyExists},
		{chat.Transient(errors.New("connection reset")), codes.Unavailable},
		{chat.ErrRateLimited, codes.ResourceExhausted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, chat.Code(tc.err), "error %v", tc.err)
	}
	assert.Equal(t, codes.NotFound, chat.GRPCStatus(chat.ErrNotFound).Code())
}

func TestGRPCStatus(t *testing.T) {
	st := chat.GRPCStatus(fmt.Errorf("send: %w", chat.ErrRateLimited))
	assert.Equal(t, codes.ResourceExhausted, st.Code())
	assert.Contains(t, st.Message(), "rate limited")
	assert.Equal(t, codes.OK, chat.GRPCStatus(nil).Code())
	// The delivery state type keeps its own name.
	assert.Equal(t, "failed", chat.StatusFailed.String())
}

func TestTransientKeepsTaxonomy(t *testing.T) {
	nf := fmt.Errorf("lookup: %w", chat.ErrNotFound)
	assert.Same(t, nf, chat.Transient(nf))
	assert.Nil(t, chat.Transient(nil))

	err := chat.Transient(errors.New("socket closed"))
	assert.ErrorIs(t, err, chat.ErrTransient)
	assert.True(t, chat.IsRetryable(err))
	assert.False(t, chat.IsRetryable(nf))
}
