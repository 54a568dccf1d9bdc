package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testSnapshot() *Snapshot {
	return NewSnapshot(
		[]string{"Acme Corp", "Globex", "Initech LLC", "Blue Sky Labs"},
		[]string{"Jane Doe"},
		[]string{"Globex Expansion"},
	)
}

func TestExtractSubstring(t *testing.T) {
	h := NewHeuristic(nil)
	got := h.Extract(testSnapshot(), "Jane Doe says ACME CORP wants to move on the Globex Expansion", Hints{})

	assert.Equal(t, []string{"acme corp", "globex"}, got.Companies)
	assert.Equal(t, []string{"jane doe"}, got.Contacts)
	assert.Equal(t, []string{"globex expansion"}, got.Opportunities)
}

func TestExtractChannelName(t *testing.T) {
	h := NewHeuristic(nil)
	snap := testSnapshot()

	tests := []struct {
		channel string
		want    string
	}{
		{"acme-deals", "acme corp"},
		{"ext-initech", "initech llc"},
		{"globex", "globex"},
		{"blue-sky-labs-support", "blue sky labs"},
		{"general", ""},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.want, h.DedicatedCompany(snap, tt.channel))
			got := h.Extract(snap, "nothing to see", Hints{ChannelName: tt.channel})
			if tt.want == "" {
				assert.Empty(t, got.Companies)
			} else {
				assert.Equal(t, []string{tt.want}, got.Companies)
			}
		})
	}
}

func TestExtractEmailDomains(t *testing.T) {
	h := NewHeuristic(map[string]string{"initech.io": "Initech LLC"})
	snap := testSnapshot()

	got := h.Extract(snap, "cc bob@globex.com and pete@initech.io, not joe@gmail.com", Hints{})
	assert.Equal(t, []string{"globex", "initech llc"}, got.Companies)

	got = h.Extract(snap, "anyone around?", Hints{UserEmail: "kim@blueskylabs.com"})
	assert.Equal(t, []string{"blue sky labs"}, got.Companies)
}

func TestExtractIsAdditive(t *testing.T) {
	h := NewHeuristic(nil)
	snap := testSnapshot()

	direct := h.Extract(snap, "Globex signed", Hints{})
	withHints := h.Extract(snap, "Globex signed", Hints{ChannelName: "acme-deals", UserEmail: "x@gmail.com"})

	assert.Subset(t, withHints.Companies, direct.Companies)
	assert.Equal(t, []string{"globex", "acme corp"}, withHints.Companies)
}

func TestExtractNilSnapshot(t *testing.T) {
	h := NewHeuristic(nil)
	assert.True(t, h.Extract(nil, "Acme Corp", Hints{ChannelName: "acme"}).Empty())
	assert.Empty(t, h.DedicatedCompany(nil, "acme"))
}

func TestBaseNameAndNormalize(t *testing.T) {
	assert.Equal(t, "acme", BaseName("Acme Corp."))
	assert.Equal(t, "initech", BaseName("Initech, LLC"))
	assert.Equal(t, "globex", BaseName("Globex"))
	assert.Equal(t, "inc", BaseName("Inc"))
	assert.Equal(t, "acmecorp", Normalize("Acme-Corp!"))
}
