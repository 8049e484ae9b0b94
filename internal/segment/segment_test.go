package segment

import "testing"

func TestAssignSpeakersMaximumOverlap(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 3, Text: "one"},
		{Start: 4, End: 7, Text: "two"},
		{Start: 8, End: 11, Text: "three"},
	}
	turns := []Turn{
		{Start: 0, End: 5, Speaker: "A"},
		{Start: 5, End: 12, Speaker: "B"},
	}

	got := AssignSpeakers(segments, turns)

	// A speaks first, so A becomes Speaker 1 and B Speaker 2.
	want := []string{"Speaker 1", "Speaker 2", "Speaker 2"}
	for i, speaker := range want {
		if got[i].Speaker != speaker {
			t.Fatalf("segment %d speaker = %q, want %q", i, got[i].Speaker, speaker)
		}
	}
	if segments[1].Speaker != "" {
		t.Fatal("input segments must not be modified")
	}
}

func TestAssignSpeakersRenumbersByFirstAppearance(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 2},
		{Start: 2, End: 4},
		{Start: 4, End: 6},
	}
	turns := []Turn{
		{Start: 0, End: 2, Speaker: "SPEAKER_07"},
		{Start: 2, End: 4, Speaker: "SPEAKER_00"},
		{Start: 4, End: 6, Speaker: "SPEAKER_07"},
	}

	got := AssignSpeakers(segments, turns)
	want := []string{"Speaker 1", "Speaker 2", "Speaker 1"}
	for i, speaker := range want {
		if got[i].Speaker != speaker {
			t.Fatalf("segment %d speaker = %q, want %q", i, got[i].Speaker, speaker)
		}
	}
}

func TestAssignSpeakersNoOverlapLeavesSegmentUnlabelled(t *testing.T) {
	segments := []Segment{{Start: 20, End: 25}}
	turns := []Turn{{Start: 0, End: 10, Speaker: "A"}}

	got := AssignSpeakers(segments, turns)
	if got[0].Speaker != "" {
		t.Fatalf("speaker = %q, want empty", got[0].Speaker)
	}
}

func TestAssignSpeakersWithoutTurns(t *testing.T) {
	segments := []Segment{{Start: 0, End: 1, Speaker: "narrator"}}
	got := AssignSpeakers(segments, nil)
	if got[0].Speaker != "narrator" {
		t.Fatalf("speaker = %q, want narrator", got[0].Speaker)
	}
}
