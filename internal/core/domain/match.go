package domain

// matchThreshold is the overlap ratio a schema must exceed to be chosen.
const matchThreshold = 0.1

// BestMatch picks the schema whose fields best cover the keys of an
// inbound field map. The score is the share of the schema's fields present
// in the map; the highest score above matchThreshold wins and earlier
// schemas win ties.
func BestMatch(schemas []*Schema, fields map[string]any) (*Schema, error) {
	var best *Schema
	bestScore := matchThreshold

	for _, s := range schemas {
		if len(s.Fields) == 0 {
			continue
		}
		matched := 0
		for _, f := range s.Fields {
			if _, ok := fields[f.Name]; ok {
				matched++
			}
		}
		if score := float64(matched) / float64(len(s.Fields)); score > bestScore {
			best, bestScore = s, score
		}
	}

	if best == nil {
		return nil, ErrNoMatchingSchema.WithDetailsf("keys %v", sortedKeys(fields))
	}
	return best, nil
}
