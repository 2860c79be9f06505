package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReviewRecordValid(t *testing.T) {
	tests := []struct {
		name   string
		record ReviewRecord
		want   bool
	}{
		{"complete", ReviewRecord{ItemID: "i", Text: "t", Author: "a"}, true},
		{"missing author", ReviewRecord{ItemID: "i", Text: "t"}, false},
		{"missing text", ReviewRecord{ItemID: "i", Author: "a"}, false},
		{"missing item", ReviewRecord{Text: "t", Author: "a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.Valid())
		})
	}
}

func TestParseSource(t *testing.T) {
	for _, s := range []Source{SourceSteam, SourcePlayStore} {
		got, err := ParseSource(string(s))
		assert.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseSource("appstore")
	assert.ErrorContains(t, err, `unknown source "appstore"`)
}
