package eventstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeIter_RoundTripsWellFormedFrames(t *testing.T) {
	d := NewDecoder()
	frame1 := EncodeFrame("assistantResponseEvent", []byte(`{"content":"hello"}`))
	frame2 := EncodeFrame("messageStopEvent", []byte(`{}`))

	require.NoError(t, d.Feed(frame1))
	require.NoError(t, d.Feed(frame2))

	msgs, errs := d.DecodeIter()
	require.Empty(t, errs)
	require.Len(t, msgs, 2)
	require.Equal(t, "assistantResponseEvent", msgs[0].EventType)
	require.Equal(t, "messageStopEvent", msgs[1].EventType)
}

func TestDecodeIter_HandlesPartialFrameAcrossFeeds(t *testing.T) {
	d := NewDecoder()
	frame := EncodeFrame("assistantResponseEvent", []byte(`{"content":"partial"}`))

	require.NoError(t, d.Feed(frame[:5]))
	msgs, errs := d.DecodeIter()
	require.Empty(t, errs)
	require.Empty(t, msgs)

	require.NoError(t, d.Feed(frame[5:]))
	msgs, errs = d.DecodeIter()
	require.Empty(t, errs)
	require.Len(t, msgs, 1)
}

func TestDecodeIter_MessageCRCMismatchReportsAndContinues(t *testing.T) {
	d := NewDecoder()
	good := EncodeFrame("assistantResponseEvent", []byte(`{"content":"ok"}`))
	bad := EncodeFrame("assistantResponseEvent", []byte(`{"content":"corrupt"}`))
	bad[len(bad)-1] ^= 0xFF // flip a bit in the message CRC

	require.NoError(t, d.Feed(bad))
	require.NoError(t, d.Feed(good))

	msgs, errs := d.DecodeIter()
	require.Len(t, errs, 1)
	require.Len(t, msgs, 1)
	require.Equal(t, "assistantResponseEvent", msgs[0].EventType)
}

func TestDecodeIter_PreludeCRCMismatchIsFatal(t *testing.T) {
	d := NewDecoder()
	frame := EncodeFrame("assistantResponseEvent", []byte(`{}`))
	frame[9] ^= 0xFF // corrupt the prelude CRC

	require.NoError(t, d.Feed(frame))
	msgs, errs := d.DecodeIter()
	require.Len(t, errs, 1)
	require.Empty(t, msgs)
}

func TestFeed_RejectsOversizedBuffer(t *testing.T) {
	d := NewDecoder()
	big := make([]byte, MaxBufferSize+1)
	err := d.Feed(big)
	require.Error(t, err)
	var overflow *ErrBufferOverflow
	require.ErrorAs(t, err, &overflow)
}

func TestToLogical_AssistantTextAndToolUse(t *testing.T) {
	textMsg := Message{EventType: "assistantResponseEvent", Payload: []byte(`{"content":"hi there"}`)}
	ev := ToLogical(textMsg)
	require.Equal(t, KindAssistantText, ev.Kind)
	require.Equal(t, "hi there", ev.Text)

	toolMsg := Message{EventType: "toolUseEvent", Payload: []byte(`{"toolUseId":"t1","name":"bash","input":"{\"cmd\":","stop":false}`)}
	ev = ToLogical(toolMsg)
	require.Equal(t, KindToolUse, ev.Kind)
	require.Equal(t, "t1", ev.ToolID)
	require.False(t, ev.ToolStop)
}

func TestToLogical_ExceptionMapsContentLengthExceeded(t *testing.T) {
	msg := Message{EventType: "exceptionEvent", Payload: []byte(`{"__type":"ContentLengthExceededException","message":"too long"}`)}
	ev := ToLogical(msg)
	require.Equal(t, KindException, ev.Kind)
	require.Equal(t, ContentLengthExceededException, ev.ExceptionType)
}
