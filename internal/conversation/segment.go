// Package conversation derives and re-derives conversation intervals from a
// chat's messages using a gap-based segmentation algorithm, and reconciles
// fresh segmentations against existing Conversation rows.
package conversation

import (
	"database/sql"
	"sort"
	"time"
)

// Message is the minimal view of a stored message the segmentation
// algorithm needs: caller-supplied, ordered ascending by Timestamp.
type Message struct {
	ID              int64
	SenderContactID sql.NullInt64
	Timestamp       time.Time
}

// Segment is a contiguous run of messages separated from its neighbours by
// more than the configured gap.
type Segment struct {
	Start               time.Time
	End                 time.Time
	MessageIDs          []int64
	InitiatorContactID  sql.NullInt64
	ParticipantContactIDs map[int64]struct{}
}

// segmentMessages groups messages, given in ascending timestamp order, into
// segments separated by more than gapThreshold seconds of silence. Segments
// with no sender-bearing message are discarded entirely.
func segmentMessages(messages []Message, gapThresholdSeconds int64) []Segment {
	if len(messages) == 0 {
		return nil
	}

	gap := time.Duration(gapThresholdSeconds) * time.Second
	var segments []Segment
	current := newSegmentFrom(messages[0])

	for i := 1; i < len(messages); i++ {
		m := messages[i]
		if m.Timestamp.Sub(current.End) > gap {
			segments = append(segments, current)
			current = newSegmentFrom(m)
			continue
		}
		current = appendToSegment(current, m)
	}
	segments = append(segments, current)

	out := segments[:0]
	for _, s := range segments {
		if len(s.ParticipantContactIDs) == 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

func newSegmentFrom(m Message) Segment {
	s := Segment{
		Start:                 m.Timestamp,
		End:                   m.Timestamp,
		MessageIDs:            []int64{m.ID},
		ParticipantContactIDs: map[int64]struct{}{},
	}
	if m.SenderContactID.Valid {
		s.InitiatorContactID = m.SenderContactID
		s.ParticipantContactIDs[m.SenderContactID.Int64] = struct{}{}
	}
	return s
}

func appendToSegment(s Segment, m Message) Segment {
	s.End = m.Timestamp
	s.MessageIDs = append(s.MessageIDs, m.ID)
	if m.SenderContactID.Valid {
		if !s.InitiatorContactID.Valid {
			s.InitiatorContactID = m.SenderContactID
		}
		s.ParticipantContactIDs[m.SenderContactID.Int64] = struct{}{}
	}
	return s
}

// sortedMessageIDs returns seg's message ids sorted ascending, for set
// comparison against an existing conversation's membership.
func sortedMessageIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sameMessageIDSet(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
