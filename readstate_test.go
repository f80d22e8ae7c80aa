package chatsync

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestUnreadCount(t *testing.T) {
	read := msg("r", "c1", bob, "x", at(1))
	read.Status = StatusRead
	tests := []struct {
		name     string
		timeline []Message
		user     string
		want     int
	}{
		{"empty", nil, alice, 0},
		{"own messages ignored", []Message{msg("a", "c1", alice, "x", at(1))}, alice, 0},
		{"incoming unread", []Message{msg("a", "c1", bob, "x", at(1)), msg("b", "c1", bob, "y", at(2))}, alice, 2},
		{"read excluded", []Message{read, msg("b", "c1", bob, "y", at(2))}, alice, 1},
		{"other perspective", []Message{msg("a", "c1", bob, "x", at(1)), msg("b", "c1", alice, "y", at(2))}, bob, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnreadCount(tt.timeline, tt.user)
			if got != tt.want {
				t.Fatalf("UnreadCount = %d, want %d", got, tt.want)
			}
			incoming := 0
			for _, m := range tt.timeline {
				if m.SenderID != tt.user {
					incoming++
				}
			}
			if got < 0 || got > incoming {
				t.Fatalf("UnreadCount = %d outside [0, %d]", got, incoming)
			}
		})
	}
}

func TestReadTrackerMarkAsRead(t *testing.T) {
	timeline := []Message{
		msg("in-1", "c4", bob, "a", at(1)),
		msg("in-2", "c4", bob, "b", at(2)),
		msg("in-3", "c4", bob, "c", at(3)),
		msg("out-1", "c4", alice, "d", at(4)),
		{ID: "tmp-1", ConversationID: "c4", SenderID: bob, Content: "odd", CreatedAt: at(5), Optimistic: true},
	}

	t.Run("flips and acknowledges once", func(t *testing.T) {
		ch := newFakeChannel()
		rt := NewReadTracker(ch, zerolog.Nop())

		n, err := rt.MarkAsRead(context.Background(), "c4", timeline, alice)
		if err != nil {
			t.Fatalf("MarkAsRead error: %v", err)
		}
		if n != 3 {
			t.Fatalf("flipped %d, want 3", n)
		}
		if c := ch.markReadCount("c4"); c != 1 {
			t.Fatalf("MarkRead called %d times, want 1", c)
		}

		merged := Merge(MergeInput{History: timeline[:4], Overlay: rt.Overlay("c4", alice)})
		if u := UnreadCount(merged, alice); u != 0 {
			t.Fatalf("unread after mark = %d, want 0", u)
		}
		if m, _ := find(merged, "out-1"); m.Status != StatusSent {
			t.Fatalf("own message status = %s, want sent", m.Status)
		}
	})

	t.Run("disconnected keeps local flip", func(t *testing.T) {
		ch := newFakeChannel()
		ch.setConnected(false)
		rt := NewReadTracker(ch, zerolog.Nop())

		n, err := rt.MarkAsRead(context.Background(), "c4", timeline, alice)
		if !errors.Is(err, ErrChannelUnavailable) {
			t.Fatalf("err = %v, want ErrChannelUnavailable", err)
		}
		if n != 3 {
			t.Fatalf("flipped %d, want 3", n)
		}
		if c := ch.markReadCount("c4"); c != 0 {
			t.Fatalf("MarkRead called %d times, want 0", c)
		}
		merged := Merge(MergeInput{History: timeline[:4], Overlay: rt.Overlay("c4", alice)})
		if u := UnreadCount(merged, alice); u != 0 {
			t.Fatalf("unread after mark = %d, want 0", u)
		}
	})

	t.Run("acknowledgement error", func(t *testing.T) {
		ch := newFakeChannel()
		ch.markErr = errors.New("write timeout")
		rt := NewReadTracker(ch, zerolog.Nop())

		if _, err := rt.MarkAsRead(context.Background(), "c4", timeline, alice); err == nil {
			t.Fatal("expected error")
		}
		if len(rt.Overlay("c4", alice).Read) != 3 {
			t.Fatal("local flip should stand")
		}
	})

	t.Run("nothing unread still acknowledges", func(t *testing.T) {
		ch := newFakeChannel()
		rt := NewReadTracker(ch, zerolog.Nop())
		n, err := rt.MarkAsRead(context.Background(), "c4", nil, alice)
		if err != nil || n != 0 {
			t.Fatalf("n=%d err=%v", n, err)
		}
		if ch.markReadCount("c4") != 1 {
			t.Fatal("expected one acknowledgement")
		}
	})
}

func TestReadTrackerApplyReceipt(t *testing.T) {
	rt := NewReadTracker(newFakeChannel(), zerolog.Nop())

	if rt.ApplyReceipt(ReadReceipt{ConversationID: "c1", ReaderID: bob}, alice) {
		t.Fatal("receipt without time should be ignored")
	}
	if !rt.ApplyReceipt(ReadReceipt{ConversationID: "c1", ReaderID: bob, ReadAt: at(10)}, alice) {
		t.Fatal("first peer receipt should apply")
	}
	if rt.ApplyReceipt(ReadReceipt{ConversationID: "c1", ReaderID: bob, ReadAt: at(5)}, alice) {
		t.Fatal("older receipt should not move the watermark back")
	}
	if !rt.ApplyReceipt(ReadReceipt{ConversationID: "c1", ReaderID: alice, ReadAt: at(3)}, alice) {
		t.Fatal("own receipt tracks a separate watermark")
	}

	o := rt.Overlay("c1", alice)
	if !o.PeerReadAt.Equal(at(10)) || !o.SelfReadAt.Equal(at(3)) {
		t.Fatalf("overlay = %+v", o)
	}

	rt.Forget("c1")
	if o := rt.Overlay("c1", alice); !o.PeerReadAt.IsZero() {
		t.Fatalf("overlay after forget = %+v", o)
	}
}
