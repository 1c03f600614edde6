package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, params Params) (interface{}, error) {
	return map[string]interface{}{"echo": params["text"]}, nil
}

func TestDispatchRequestSuccess(t *testing.T) {
	d := NewDispatcher()
	d.RegisterHandler("echo", echoHandler)

	raw, err := Marshal(NewRequest("echo", Params{"text": "hi"}, "req-1"))
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), raw)
	require.NotNil(t, reply)
	assert.Equal(t, KindResponse, reply.Kind)
	assert.Equal(t, "req-1", reply.ID)

	var result map[string]string
	require.NoError(t, reply.UnmarshalResult(&result))
	assert.Equal(t, "hi", result["echo"])
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := NewDispatcher()

	raw, err := Marshal(NewRequest("model.generate", nil, "req-2"))
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), raw)
	require.NotNil(t, reply)
	assert.Equal(t, KindError, reply.Kind)
	assert.Equal(t, "req-2", reply.ID)
	require.NotNil(t, reply.Err)
	assert.Equal(t, MethodNotFound, reply.Err.Code)
	assert.Contains(t, reply.Err.Data, "model.generate")
}

func TestDispatchHandlerFailure(t *testing.T) {
	d := NewDispatcher()
	d.RegisterHandler("broken", func(context.Context, Params) (interface{}, error) {
		return nil, errors.New("upstream unavailable")
	})

	raw, err := Marshal(NewRequest("broken", nil, "req-3"))
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), raw)
	require.NotNil(t, reply)
	assert.Equal(t, KindError, reply.Kind)
	assert.Equal(t, InternalError, reply.Err.Code)
	assert.Equal(t, "Internal error", reply.Err.Message)
	assert.Contains(t, reply.Err.Data, "upstream unavailable")
}

func TestDispatchHandlerPanicBecomesInternalError(t *testing.T) {
	d := NewDispatcher()
	d.RegisterHandler("panics", func(context.Context, Params) (interface{}, error) {
		panic("boom")
	})

	raw, err := Marshal(NewRequest("panics", nil, "req-4"))
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), raw)
	require.NotNil(t, reply)
	assert.Equal(t, KindError, reply.Kind)
	assert.Equal(t, InternalError, reply.Err.Code)
	assert.Contains(t, reply.Err.Data, "boom")
}

func TestDispatchParseError(t *testing.T) {
	d := NewDispatcher()

	t.Run("recoverable id", func(t *testing.T) {
		reply := d.Dispatch(context.Background(), []byte(`{"kind":"request","id":"req-5"}`))
		require.NotNil(t, reply)
		assert.Equal(t, KindError, reply.Kind)
		assert.Equal(t, "req-5", reply.ID)
		assert.Equal(t, ParseError, reply.Err.Code)
	})

	t.Run("no id at all", func(t *testing.T) {
		reply := d.Dispatch(context.Background(), []byte(`not json`))
		require.NotNil(t, reply)
		assert.Equal(t, UnknownID, reply.ID)
		assert.Equal(t, ParseError, reply.Err.Code)
	})
}

func TestDispatchNotification(t *testing.T) {
	d := NewDispatcher()

	called := make(chan Params, 1)
	d.RegisterHandler("event", func(_ context.Context, params Params) (interface{}, error) {
		called <- params
		return nil, nil
	})

	raw, err := Marshal(NewNotification("event", Params{"n": float64(1)}))
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), raw)
	assert.Nil(t, reply, "notifications never produce a wire-visible reply")
	assert.Equal(t, Params{"n": float64(1)}, <-called)
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	d := NewDispatcher()
	d.RegisterHandler("flaky", func(context.Context, Params) (interface{}, error) {
		return nil, errors.New("side effect failed")
	})
	d.RegisterHandler("echo", echoHandler)

	rawNotif, err := Marshal(NewNotification("flaky", nil))
	require.NoError(t, err)
	assert.Nil(t, d.Dispatch(context.Background(), rawNotif))

	// Unregistered notifications are ignored too
	rawUnknown, err := Marshal(NewNotification("nobody.home", nil))
	require.NoError(t, err)
	assert.Nil(t, d.Dispatch(context.Background(), rawUnknown))

	// A subsequent request on the same dispatcher still succeeds
	rawReq, err := Marshal(NewRequest("echo", Params{"text": "still alive"}, "req-6"))
	require.NoError(t, err)
	reply := d.Dispatch(context.Background(), rawReq)
	require.NotNil(t, reply)
	assert.Equal(t, KindResponse, reply.Kind)
}

func TestDispatchIgnoresReplies(t *testing.T) {
	d := NewDispatcher()

	resp, err := NewResponse("req-7", "ignored")
	require.NoError(t, err)
	raw, err := Marshal(resp)
	require.NoError(t, err)
	assert.Nil(t, d.Dispatch(context.Background(), raw))

	rawErr, err := Marshal(NewErrorMessage("req-8", &Error{Code: InternalError, Message: "Internal error"}))
	require.NoError(t, err)
	assert.Nil(t, d.Dispatch(context.Background(), rawErr))
}

func TestRegisterHandlerAtRuntime(t *testing.T) {
	d := NewDispatcher()

	raw, err := Marshal(NewRequest("late.arrival", nil, "req-9"))
	require.NoError(t, err)

	reply := d.Dispatch(context.Background(), raw)
	assert.Equal(t, KindError, reply.Kind)

	d.RegisterHandler("late.arrival", func(context.Context, Params) (interface{}, error) {
		return "now registered", nil
	})

	reply = d.Dispatch(context.Background(), raw)
	assert.Equal(t, KindResponse, reply.Kind)
}

func TestRegisterHandlersAndMethods(t *testing.T) {
	d := NewDispatcher()
	d.RegisterHandlers(map[string]Handler{
		"b.second": echoHandler,
		"a.first":  echoHandler,
	})

	assert.True(t, d.HasHandler("a.first"))
	assert.False(t, d.HasHandler("c.third"))
	assert.Equal(t, []string{"a.first", "b.second"}, d.Methods())
}

func TestHandlerReceivesEmptyParamsBag(t *testing.T) {
	d := NewDispatcher()
	var got Params
	d.RegisterHandler("bare", func(_ context.Context, params Params) (interface{}, error) {
		got = params
		return nil, nil
	})

	raw, err := Marshal(NewRequest("bare", nil, "req-10"))
	require.NoError(t, err)
	reply := d.Dispatch(context.Background(), raw)
	require.NotNil(t, reply)
	assert.Equal(t, KindResponse, reply.Kind)
	assert.NotNil(t, got, "params must default to an empty bag, not nil")
	assert.Empty(t, got)
}

func BenchmarkDispatchRequest(b *testing.B) {
	d := NewDispatcher()
	d.RegisterHandler("bench.echo", func(_ context.Context, params Params) (interface{}, error) {
		return params, nil
	})
	raw, err := Marshal(NewRequest("bench.echo", Params{"payload": "x"}, "bench-1"))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if reply := d.Dispatch(context.Background(), raw); reply == nil || reply.Kind != KindResponse {
			b.Fatal("unexpected reply")
		}
	}
}

func BenchmarkDispatchNotification(b *testing.B) {
	d := NewDispatcher()
	d.RegisterHandler("bench.event", func(_ context.Context, params Params) (interface{}, error) {
		return nil, nil
	})
	raw, err := Marshal(NewNotification("bench.event", Params{"seq": 1}))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if reply := d.Dispatch(context.Background(), raw); reply != nil {
			b.Fatal("notification produced a reply")
		}
	}
}
