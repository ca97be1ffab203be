package comms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendDoesNotBlockWhenQueueIsFull(t *testing.T) {
	conn := NewConnectionWrapper(nil, "a", 2)

	assert.True(t, conn.Send(ToMessage(SessionEvent{UserID: "a"})))
	assert.True(t, conn.Send(ToMessage(SessionEvent{UserID: "a"})))
	assert.False(t, conn.Send(ToMessage(SessionEvent{UserID: "a"})))

	// Queued messages keep their order.
	first := <-conn.WriteChannel
	assert.Equal(t, TypeSession, first.Type)
	assert.True(t, conn.Send(ToMessage(ErrorResponse{Reason: "late"})))
	<-conn.WriteChannel
	last := <-conn.WriteChannel
	assert.Equal(t, TypeError, last.Type)
}

func TestDecodeFrame(t *testing.T) {
	msg, err := DecodeFrame([]byte(`{"type":"join","contents":{"roomId":"abc","seq":1}}`))
	assert.NoError(t, err)
	assert.Equal(t, TypeJoin, msg.Type)

	for _, frame := range []string{`{"type":"join"`, ``, `not json`, `{"type":7}`} {
		_, err := DecodeFrame([]byte(frame))
		assert.ErrorIs(t, err, ErrUndecodable, "frame %q", frame)
	}
}
