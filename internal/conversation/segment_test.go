package conversation

import (
	"database/sql"
	"testing"
	"time"
)

func sender(id int64) sql.NullInt64 { return sql.NullInt64{Int64: id, Valid: true} }

func at(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}

func TestSegmentMessages_GapSplit(t *testing.T) {
	// S1: messages at t=0,60,600,11000 with a 10800s gap threshold split
	// into two segments: {m1,m2,m3} and {m4}.
	messages := []Message{
		{ID: 1, SenderContactID: sender(1), Timestamp: at(0)},
		{ID: 2, SenderContactID: sender(2), Timestamp: at(60)},
		{ID: 3, SenderContactID: sender(1), Timestamp: at(600)},
		{ID: 4, SenderContactID: sender(2), Timestamp: at(11000)},
	}
	segs := segmentMessages(messages, 10800)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if len(segs[0].MessageIDs) != 3 || len(segs[1].MessageIDs) != 1 {
		t.Fatalf("got sizes %d, %d", len(segs[0].MessageIDs), len(segs[1].MessageIDs))
	}
}

func TestSegmentMessages_DiscardsSenderlessSegments(t *testing.T) {
	messages := []Message{
		{ID: 1, Timestamp: at(0)},
		{ID: 2, Timestamp: at(10)},
	}
	segs := segmentMessages(messages, 10800)
	if len(segs) != 0 {
		t.Fatalf("expected sender-less segment to be discarded, got %d", len(segs))
	}
}

func TestSegmentMessages_InitiatorIsFirstNonNullSender(t *testing.T) {
	messages := []Message{
		{ID: 1, Timestamp: at(0)},
		{ID: 2, SenderContactID: sender(5), Timestamp: at(10)},
		{ID: 3, SenderContactID: sender(6), Timestamp: at(20)},
	}
	segs := segmentMessages(messages, 10800)
	if len(segs) != 1 {
		t.Fatalf("got %d segments", len(segs))
	}
	if !segs[0].InitiatorContactID.Valid || segs[0].InitiatorContactID.Int64 != 5 {
		t.Fatalf("got initiator %+v", segs[0].InitiatorContactID)
	}
	if len(segs[0].ParticipantContactIDs) != 2 {
		t.Fatalf("got %d participants", len(segs[0].ParticipantContactIDs))
	}
}

func TestSegmentMessages_InclusiveGapBoundaryDoesNotSplit(t *testing.T) {
	messages := []Message{
		{ID: 1, SenderContactID: sender(1), Timestamp: at(0)},
		{ID: 2, SenderContactID: sender(1), Timestamp: at(10800)},
	}
	segs := segmentMessages(messages, 10800)
	if len(segs) != 1 {
		t.Fatalf("exact-threshold gap should not split, got %d segments", len(segs))
	}
}

func TestSegmentMessages_JustOverGapSplits(t *testing.T) {
	messages := []Message{
		{ID: 1, SenderContactID: sender(1), Timestamp: at(0)},
		{ID: 2, SenderContactID: sender(1), Timestamp: at(10801)},
	}
	segs := segmentMessages(messages, 10800)
	if len(segs) != 2 {
		t.Fatalf("just-over-threshold gap should split, got %d segments", len(segs))
	}
}
