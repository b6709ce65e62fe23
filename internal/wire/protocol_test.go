package wire_test

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/tribe-app/realtime/internal/wire"
)

type protocolSuite struct{}

var _ = gc.Suite(&protocolSuite{})

func (s *protocolSuite) TestDecodeValidFrames(c *gc.C) {
	typing := true
	tests := []struct {
		frame string
		want  wire.Inbound
	}{{
		frame: `{"event":"subscribe","channel":"conversation","conversation_id":"g1"}`,
		want:  wire.Inbound{Event: "subscribe", Channel: "conversation", ConversationID: "g1"},
	}, {
		frame: `{"event":"subscribe","conversation_id":"g1"}`,
		want:  wire.Inbound{Event: "subscribe", Channel: "conversation", ConversationID: "g1"},
	}, {
		frame: `{"event":"unsubscribe","conversation_id":"g1"}`,
		want:  wire.Inbound{Event: "unsubscribe", ConversationID: "g1"},
	}, {
		frame: `{"event":"typing","conversation_id":"g1","is_typing":true}`,
		want:  wire.Inbound{Event: "typing", ConversationID: "g1", IsTyping: &typing},
	}, {
		frame: `{"event":"presence","status":"away"}`,
		want:  wire.Inbound{Event: "presence", Status: "away"},
	}, {
		frame: `{"event":"presence"}`,
		want:  wire.Inbound{Event: "presence", Status: "online"},
	}, {
		frame: `{"event":"ping"}`,
		want:  wire.Inbound{Event: "ping"},
	}}
	for i, test := range tests {
		c.Logf("test %d: %s", i, test.frame)
		in, err := wire.Decode([]byte(test.frame))
		c.Assert(err, jc.ErrorIsNil)
		c.Check(in, jc.DeepEquals, test.want)
	}
}

func (s *protocolSuite) TestDecodeMalformed(c *gc.C) {
	tests := []struct {
		frame string
		event string
		err   string
	}{
		{frame: `not json`, err: `invalid JSON: malformed frame`},
		{frame: `{"conversation_id":"g1"}`, err: `missing event: malformed frame`},
		{frame: `{"event":"subscribe"}`, event: "subscribe", err: `missing conversation_id: malformed frame`},
		{frame: `{"event":"subscribe","channel":"friends","conversation_id":"g1"}`, event: "subscribe", err: `unsupported channel "friends": malformed frame`},
		{frame: `{"event":"unsubscribe"}`, event: "unsubscribe", err: `missing conversation_id: malformed frame`},
		{frame: `{"event":"typing","conversation_id":"g1"}`, event: "typing", err: `missing is_typing: malformed frame`},
		{frame: `{"event":"typing","is_typing":true}`, event: "typing", err: `missing conversation_id: malformed frame`},
		{frame: `{"event":"typing","conversation_id":"g1","is_typing":"yes"}`, err: `invalid JSON: malformed frame`},
	}
	for i, test := range tests {
		c.Logf("test %d: %s", i, test.frame)
		in, err := wire.Decode([]byte(test.frame))
		c.Check(err, gc.ErrorMatches, test.err)
		c.Check(errors.Is(err, wire.ErrMalformedFrame), jc.IsTrue)
		c.Check(in.Event, gc.Equals, test.event)
	}
}

func (s *protocolSuite) TestDecodeUnknownEvent(c *gc.C) {
	in, err := wire.Decode([]byte(`{"event":"bogus"}`))
	c.Assert(errors.Is(err, wire.ErrUnknownEvent), jc.IsTrue)
	c.Assert(errors.Is(err, wire.ErrMalformedFrame), jc.IsFalse)
	c.Assert(in.Event, gc.Equals, "bogus")
}

func (s *protocolSuite) TestTypingDefaultsFalse(c *gc.C) {
	c.Assert(wire.Inbound{}.Typing(), jc.IsFalse)
}

func (s *protocolSuite) TestEncodeMessageNew(c *gc.C) {
	fullName := "Ada Lovelace"
	created := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	frame, err := wire.MessageNew(wire.Message{
		ID:             "m1",
		ConversationID: "g1",
		Sender:         wire.Sender{ID: "u1", Username: "ada", FullName: &fullName},
		Content:        "hello",
		MessageType:    "text",
		CreatedAt:      created,
	}).Encode()
	c.Assert(err, jc.ErrorIsNil)

	var got map[string]any
	c.Assert(json.Unmarshal(frame, &got), jc.ErrorIsNil)
	c.Assert(got, jc.DeepEquals, map[string]any{
		"event":           "message.new",
		"conversation_id": "g1",
		"data": map[string]any{
			"id":              "m1",
			"conversation_id": "g1",
			"sender": map[string]any{
				"id":                "u1",
				"username":          "ada",
				"full_name":         "Ada Lovelace",
				"profile_image_url": nil,
			},
			"content":      "hello",
			"message_type": "text",
			"created_at":   "2026-03-01T12:30:00Z",
		},
	})
}

func (s *protocolSuite) TestEncodeTyping(c *gc.C) {
	frame, err := wire.Typing("g1", wire.TypingData{UserID: "u1", UserName: "Ada", IsTyping: false}).Encode()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(frame), gc.Equals,
		`{"event":"typing","conversation_id":"g1","data":{"user_id":"u1","user_name":"Ada","is_typing":false}}`)
}

func (s *protocolSuite) TestEncodeError(c *gc.C) {
	frame, err := wire.Error("unknown event", "bogus").Encode()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(frame), gc.Equals, `{"event":"error","message":"unknown event","original_event":"bogus"}`)
}

func (s *protocolSuite) TestPongFrame(c *gc.C) {
	frame, err := wire.Outbound{Event: wire.EventPong}.Encode()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(frame, jc.DeepEquals, wire.PongFrame)
}
