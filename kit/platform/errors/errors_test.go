package errors_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	perrors "github.com/nexus-streaming/nexus/kit/platform/errors"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	cases := []struct {
		name string
		err  error
		msg  string
	}{
		{
			name: "simple error",
			err:  &perrors.Error{Code: perrors.ENotFound},
			msg:  "<not found>",
		},
		{
			name: "with message",
			err:  &perrors.Error{Code: perrors.ENotFound, Msg: "partition orders/7 not found"},
			msg:  "partition orders/7 not found",
		},
		{
			name: "with message and wrapped error",
			err: &perrors.Error{
				Code: perrors.EInternal,
				Msg:  "append",
				Err:  errors.New("disk full"),
			},
			msg: "append: disk full",
		},
		{
			name: "with wrapped error only",
			err: &perrors.Error{
				Code: perrors.EInternal,
				Err:  &perrors.Error{Code: perrors.EInvalid, Msg: "bad name"},
			},
			msg: "bad name",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.msg, c.err.Error())
		})
	}
}

func TestErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{name: "nil", err: nil, code: ""},
		{name: "plain error", err: errors.New("boom"), code: perrors.EInternal},
		{name: "direct", err: &perrors.Error{Code: perrors.EConflict}, code: perrors.EConflict},
		{
			name: "inherited from wrapped",
			err:  &perrors.Error{Op: "broker.Produce", Err: &perrors.Error{Code: perrors.ENotFound}},
			code: perrors.ENotFound,
		},
		{
			name: "found through fmt wrapping",
			err:  fmt.Errorf("produce: %w", &perrors.Error{Code: perrors.EUnavailable}),
			code: perrors.EUnavailable,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.code, perrors.ErrorCode(c.err))
		})
	}
}

func TestErrorOpAndMessage(t *testing.T) {
	err := &perrors.Error{
		Op:  "broker.Consume",
		Err: &perrors.Error{Code: perrors.ENotFound, Msg: "topic not found"},
	}
	require.Equal(t, "broker.Consume", perrors.ErrorOp(err))
	require.Equal(t, "topic not found", perrors.ErrorMessage(err))
	require.Equal(t, "An internal error has occurred.", perrors.ErrorMessage(errors.New("x")))
}

func TestError_JSON(t *testing.T) {
	in := &perrors.Error{
		Code: perrors.EConflict,
		Msg:  "topic exists",
		Op:   "broker.CreateTopic",
		Err:  &perrors.Error{Code: perrors.EInvalid, Msg: "inner"},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	out := &perrors.Error{}
	require.NoError(t, json.Unmarshal(b, out))
	require.Equal(t, in.Code, out.Code)
	require.Equal(t, in.Msg, out.Msg)
	require.Equal(t, in.Op, out.Op)
	require.Equal(t, perrors.EInvalid, perrors.ErrorCode(out.Err))
}
