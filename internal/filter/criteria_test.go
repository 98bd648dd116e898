package filter

import (
	"testing"
	"time"

	"github.com/MazinLab/picturec/internal/schema"
	"github.com/MazinLab/picturec/internal/timespec"
	"github.com/MazinLab/picturec/pkg/store"
	"github.com/stretchr/testify/assert"
)

func TestCriteria_Matches(t *testing.T) {
	reg := schema.Builtin()
	now := time.Now()
	fresh := &store.Entry{Key: store.StatusKey("temps:mkidarray:temp"), Value: "0.1", UpdatedAt: now.Add(-time.Second)}
	stale := &store.Entry{Key: store.StatusKey("temps:lhetank"), Value: "4.2", UpdatedAt: now.Add(-time.Minute)}
	unknown := &store.Entry{Key: store.StatusKey("custom:thing"), Value: "x", UpdatedAt: now.Add(-time.Hour)}

	tests := []struct {
		name     string
		criteria Criteria
		entry    *store.Entry
		want     bool
	}{
		{name: "empty matches", criteria: Criteria{}, entry: unknown, want: true},
		{name: "glob hit", criteria: Criteria{PathGlob: "temps:*"}, entry: fresh, want: true},
		{name: "glob miss", criteria: Criteria{PathGlob: "magnet:*"}, entry: fresh, want: false},
		{name: "owner hit", criteria: Criteria{Owner: schema.AgentLS240}, entry: stale, want: true},
		{name: "owner miss", criteria: Criteria{Owner: schema.AgentSIM921}, entry: stale, want: false},
		{name: "unknown key has no owner", criteria: Criteria{Owner: schema.AgentSIM921}, entry: unknown, want: false},
		{name: "stale only keeps stale", criteria: Criteria{StaleOnly: true}, entry: stale, want: true},
		{name: "stale only drops fresh", criteria: Criteria{StaleOnly: true}, entry: fresh, want: false},
		{name: "unknown never stale", criteria: Criteria{StaleOnly: true}, entry: unknown, want: false},
		{name: "since", criteria: Criteria{Range: timespec.Range{Since: now.Add(-10 * time.Second)}}, entry: stale, want: false},
		{name: "until", criteria: Criteria{Range: timespec.Range{Until: now.Add(-10 * time.Second)}}, entry: stale, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(tt.entry, reg, now))
			assert.Equal(t, tt.name != "empty matches", tt.criteria.HasFilters())
		})
	}
}
