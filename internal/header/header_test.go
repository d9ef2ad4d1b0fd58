package header

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		RequestID:       7,
		CallType:        CallTypeUnary,
		Version:         1,
		ContentType:     0,
		ContentEncoding: 0,
		Timeout:         3000,
		Caller:          "svc.Client",
		Callee:          "svc.Greeter",
		Func:            "/SayHello",
	}

	decoded, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{
		RequestID: 7,
		CallType:  CallTypeUnary,
		Version:   1,
		Ret:       0,
		FuncRet:   0,
		ErrorMsg:  "",
	}

	decoded, err := DecodeResponse(resp.Encode())
	require.NoError(t, err)
	require.Equal(t, resp, decoded)
	require.True(t, decoded.Success())
}

func TestResponseErrorIsNotSuccess(t *testing.T) {
	resp := &Response{RequestID: 1, Ret: 101, ErrorMsg: "timeout"}
	decoded, err := DecodeResponse(resp.Encode())
	require.NoError(t, err)
	require.False(t, decoded.Success())
	require.Equal(t, "timeout", decoded.ErrorMsg)
}

func TestDecodeRequestRejectsTruncatedVarint(t *testing.T) {
	_, err := DecodeRequest([]byte{0x08, 0xFF})
	require.Error(t, err)
}

func TestOnewayCallType(t *testing.T) {
	req := &Request{RequestID: 5, CallType: CallTypeOneway, Callee: "svc.X", Func: "/Notify"}
	decoded, err := DecodeRequest(req.Encode())
	require.NoError(t, err)
	require.Equal(t, CallTypeOneway, decoded.CallType)
}
