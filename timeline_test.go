package chatsync

import (
	"reflect"
	"testing"
	"time"
)

func TestMergeDeduplicatesAcrossSources(t *testing.T) {
	conv := pair("c1", at(0))
	conv.Messages = []Message{msg("m1", "c1", bob, "hi", at(1))}
	conv.LastMessage = &LastMessage{ID: "m2", Content: "yo", SenderID: alice, CreatedAt: at(2), Status: StatusSent}

	out := Merge(MergeInput{
		Conversation: &conv,
		History:      []Message{msg("m1", "c1", bob, "hi", at(1)), msg("m2", "c1", alice, "yo", at(2))},
		Live:         []Message{msg("m2", "c1", alice, "yo", at(2)), msg("m3", "c1", bob, "new", at(3))},
	})

	if got, want := ids(out), []string{"m1", "m2", "m3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
}

func TestMergeLiveStatusWins(t *testing.T) {
	tests := []struct {
		name    string
		history MessageStatus
		live    MessageStatus
	}{
		{"live raises", StatusSent, StatusRead},
		{"live lower", StatusRead, StatusDelivered},
		{"same", StatusDelivered, StatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := msg("m1", "c1", bob, "hi", at(1))
			h.Status = tt.history
			l := h
			l.Status = tt.live

			out := Merge(MergeInput{History: []Message{h}, Live: []Message{l}})
			if len(out) != 1 {
				t.Fatalf("len = %d, want 1", len(out))
			}
			if out[0].Status != tt.live {
				t.Fatalf("status = %s, want %s", out[0].Status, tt.live)
			}
		})
	}
}

func TestMergeEmbeddedSummaryUpgradedByLive(t *testing.T) {
	conv := pair("C1", at(0))
	conv.LastMessage = &LastMessage{ID: "m1", Content: "hi", SenderID: alice, CreatedAt: at(1), Status: StatusSent}
	live := msg("m1", "C1", alice, "hi", at(1))
	live.Status = StatusRead

	out := Merge(MergeInput{Conversation: &conv, Live: []Message{live}})
	if len(out) != 1 || out[0].ID != "m1" {
		t.Fatalf("timeline = %v, want [m1]", ids(out))
	}
	if out[0].Status != StatusRead {
		t.Fatalf("status = %s, want read", out[0].Status)
	}
}

func TestMergeHistoryDoesNotOverwriteEmbedded(t *testing.T) {
	conv := pair("c1", at(0))
	conv.Messages = []Message{msg("m1", "c1", bob, "original", at(1))}

	out := Merge(MergeInput{
		Conversation: &conv,
		History:      []Message{msg("m1", "c1", bob, "edited", at(1))},
	})
	if out[0].Content != "original" {
		t.Fatalf("content = %q, want the first inserted copy", out[0].Content)
	}
}

func TestMergeIsDeterministic(t *testing.T) {
	conv := pair("c1", at(0))
	in := MergeInput{
		Conversation: &conv,
		History: []Message{
			msg("b", "c1", bob, "same time", at(5)),
			msg("a", "c1", alice, "same time", at(5)),
			msg("c", "c1", bob, "earlier", at(1)),
		},
		Live:       []Message{msg("d", "c1", bob, "later", at(9))},
		Optimistic: []Message{{ID: "tmp-1", ClientID: "tmp-1", ConversationID: "c1", SenderID: alice, Content: "x", CreatedAt: at(10), Optimistic: true}},
	}

	first := Merge(in)
	second := Merge(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("two merges of the same input differ")
	}
	if got, want := ids(first), []string{"c", "a", "b", "d", "tmp-1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	in.Order = NewestFirst
	if got, want := ids(Merge(in)), []string{"tmp-1", "d", "b", "a", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("newest first = %v, want %v", got, want)
	}
}

func TestMergeOptimisticReconciliation(t *testing.T) {
	opt := Message{
		ID: "tmp-1", ClientID: "tmp-1", ConversationID: "c2", SenderID: alice,
		Content: "hello", Type: TypeText, Status: StatusSent, CreatedAt: at(0), Optimistic: true,
	}

	t.Run("heuristic match inside window", func(t *testing.T) {
		out := Merge(MergeInput{
			Live:       []Message{msg("srv-9", "c2", alice, "hello", at(2))},
			Optimistic: []Message{opt},
		})
		if got := ids(out); !reflect.DeepEqual(got, []string{"srv-9"}) {
			t.Fatalf("timeline = %v, want [srv-9]", got)
		}
	})

	t.Run("outside window", func(t *testing.T) {
		out := Merge(MergeInput{
			Live:       []Message{msg("srv-9", "c2", alice, "hello", at(30))},
			Optimistic: []Message{opt},
		})
		if len(out) != 2 {
			t.Fatalf("timeline = %v, want both entries", ids(out))
		}
	})

	t.Run("different content", func(t *testing.T) {
		out := Merge(MergeInput{
			Live:       []Message{msg("srv-9", "c2", alice, "hello!", at(1))},
			Optimistic: []Message{opt},
		})
		if len(out) != 2 {
			t.Fatalf("timeline = %v, want both entries", ids(out))
		}
	})

	t.Run("exact client id", func(t *testing.T) {
		m := msg("srv-9", "c2", alice, "edited by server", at(40))
		m.ClientID = "tmp-1"
		out := Merge(MergeInput{Live: []Message{m}, Optimistic: []Message{opt}})
		if got := ids(out); !reflect.DeepEqual(got, []string{"srv-9"}) {
			t.Fatalf("timeline = %v, want [srv-9]", got)
		}
	})

	t.Run("foreign client id blocks heuristic", func(t *testing.T) {
		m := msg("srv-9", "c2", alice, "hello", at(1))
		m.ClientID = "tmp-other"
		out := Merge(MergeInput{Live: []Message{m}, Optimistic: []Message{opt}})
		if len(out) != 2 {
			t.Fatalf("timeline = %v, want both entries", ids(out))
		}
	})

	t.Run("custom window", func(t *testing.T) {
		out := Merge(MergeInput{
			Live:       []Message{msg("srv-9", "c2", alice, "hello", at(20))},
			Optimistic: []Message{opt},
			Window:     30 * time.Second,
		})
		if len(out) != 1 {
			t.Fatalf("timeline = %v, want [srv-9]", ids(out))
		}
	})
}

// Two identical sends inside the window with one confirmation: only one
// optimistic entry is consumed. Without an echoed client id the heuristic
// cannot tell which.
func TestMergeHeuristicConsumesOneConfirmation(t *testing.T) {
	opt := func(id string, sec int) Message {
		return Message{ID: id, ClientID: id, ConversationID: "c1", SenderID: alice, Content: "ok", CreatedAt: at(sec), Optimistic: true}
	}
	out := Merge(MergeInput{
		Live:       []Message{msg("srv-1", "c1", alice, "ok", at(1))},
		Optimistic: []Message{opt("tmp-a", 0), opt("tmp-b", 3)},
	})
	if got, want := ids(out), []string{"srv-1", "tmp-b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
}

func TestMergeConfirmedMessagesStayClaimed(t *testing.T) {
	second := Message{ID: "tmp-b", ClientID: "tmp-b", ConversationID: "c1", SenderID: alice, Content: "ok", CreatedAt: at(3), Optimistic: true}
	live := []Message{msg("srv-1", "c1", alice, "ok", at(1))}

	tests := []struct {
		name      string
		confirmed map[string]string
		want      []string
	}{
		{"claimed by an earlier send", map[string]string{"srv-1": "tmp-a"}, []string{"srv-1", "tmp-b"}},
		{"claimed by this send", map[string]string{"srv-1": "tmp-b"}, []string{"srv-1"}},
		{"unclaimed", nil, []string{"srv-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Merge(MergeInput{Live: live, Optimistic: []Message{second}, Confirmed: tt.confirmed})
			if got := ids(out); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("timeline = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeSkipsTemporarySummary(t *testing.T) {
	conv := pair("c1", at(0))
	conv.LastMessage = &LastMessage{ID: "tmp-xyz", Content: "pending", SenderID: alice, CreatedAt: at(1)}
	if out := Merge(MergeInput{Conversation: &conv}); len(out) != 0 {
		t.Fatalf("timeline = %v, want empty", ids(out))
	}
}

func TestMergeNormalizesSender(t *testing.T) {
	conv := pair("c1", at(0))
	out := Merge(MergeInput{
		Conversation: &conv,
		History:      []Message{msg("m1", "c1", alice, "hi", at(1))},
	})
	if out[0].SenderAlias != "Alice" {
		t.Fatalf("alias = %q, want Alice", out[0].SenderAlias)
	}
	if out[0].Sender == nil || out[0].Sender.DisplayName != "Alice A." {
		t.Fatalf("sender profile = %+v", out[0].Sender)
	}
	// the conversation's participant must not be shared with the result
	out[0].Sender.DisplayName = "changed"
	if conv.Participants[0].Profile.DisplayName != "Alice A." {
		t.Fatal("merge aliased the participant profile")
	}
}

func TestMergeReadOverlay(t *testing.T) {
	history := []Message{
		msg("in-1", "c1", bob, "a", at(1)),
		msg("in-2", "c1", bob, "b", at(2)),
		msg("out-1", "c1", alice, "c", at(3)),
		msg("out-2", "c1", alice, "d", at(8)),
	}

	t.Run("locally read ids", func(t *testing.T) {
		out := Merge(MergeInput{
			History: history,
			Overlay: ReadOverlay{Self: alice, Read: map[string]struct{}{"in-1": {}}},
		})
		m, _ := find(out, "in-1")
		if m.Status != StatusRead {
			t.Fatalf("in-1 status = %s, want read", m.Status)
		}
		m, _ = find(out, "in-2")
		if m.Status != StatusSent {
			t.Fatalf("in-2 status = %s, want sent", m.Status)
		}
	})

	t.Run("peer receipt covers own messages", func(t *testing.T) {
		out := Merge(MergeInput{
			History: history,
			Overlay: ReadOverlay{Self: alice, PeerReadAt: at(5)},
		})
		want := map[string]MessageStatus{"in-1": StatusSent, "in-2": StatusSent, "out-1": StatusRead, "out-2": StatusSent}
		for id, st := range want {
			if m, _ := find(out, id); m.Status != st {
				t.Errorf("%s status = %s, want %s", id, m.Status, st)
			}
		}
	})

	t.Run("own receipt covers incoming messages", func(t *testing.T) {
		out := Merge(MergeInput{
			History: history,
			Overlay: ReadOverlay{Self: alice, SelfReadAt: at(1)},
		})
		if m, _ := find(out, "in-1"); m.Status != StatusRead {
			t.Errorf("in-1 status = %s, want read", m.Status)
		}
		if m, _ := find(out, "in-2"); m.Status != StatusSent {
			t.Errorf("in-2 status = %s, want sent", m.Status)
		}
	})

	t.Run("optimistic untouched", func(t *testing.T) {
		opt := Message{ID: "tmp-1", ClientID: "tmp-1", ConversationID: "c1", SenderID: alice, Content: "z", Status: StatusSent, CreatedAt: at(2), Optimistic: true}
		out := Merge(MergeInput{
			Optimistic: []Message{opt},
			Overlay:    ReadOverlay{Self: alice, PeerReadAt: at(5)},
		})
		if out[0].Status != StatusSent {
			t.Fatalf("optimistic status = %s, want sent", out[0].Status)
		}
	})
}
