// Package thread spreads entity mentions across every message of a
// conversation thread.
package thread

import (
	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/pkg/entity"
)

// Propagator tags messages with the entities of their whole thread.
type Propagator struct {
	extractor entity.Extractor
}

func NewPropagator(extractor entity.Extractor) *Propagator {
	return &Propagator{extractor: extractor}
}

// Propagate groups msgs by thread key, unions the entities found in each
// group and tags every message with that union. dedicatedCompany, when set,
// joins every thread's union. Output order matches input order.
//
// The union only grows as messages are added, so re-running Propagate over
// a thread with a new reply never removes an entity from a sibling.
func (p *Propagator) Propagate(snap *entity.Snapshot, msgs []models.Message, dedicatedCompany string) []models.TaggedMessage {
	out := make([]models.TaggedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = models.TaggedMessage{
			Message:          m,
			Entities:         p.extractor.Extract(snap, m.Text, entity.Hints{}),
			DedicatedCompany: dedicatedCompany,
		}
	}

	for _, positions := range Group(msgs) {
		var union models.EntitySet
		for _, i := range positions {
			union.Merge(out[i].Entities)
		}
		if dedicatedCompany != "" {
			union.AddCompany(dedicatedCompany)
		}
		for _, i := range positions {
			out[i].ThreadEntities = union.Clone()
		}
	}
	return out
}

// Group returns the positions in msgs of each thread's messages, keyed by
// thread key, in input order.
func Group(msgs []models.Message) map[models.ThreadKey][]int {
	groups := make(map[models.ThreadKey][]int)
	for i, m := range msgs {
		k := m.ThreadKey()
		groups[k] = append(groups[k], i)
	}
	return groups
}
