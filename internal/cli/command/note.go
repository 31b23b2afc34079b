package command

import (
	"fmt"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
)

// Note is the object type replicated by the demo node.
type Note struct {
	Title string
	Body  string
}

// NoteSchema describes Note on the wire.
func NoteSchema() (*domain.Schema, error) {
	return domain.SchemaOf[Note]("Note",
		domain.FieldOf("title", func(n *Note) string { return n.Title }, func(n *Note, v string) { n.Title = v }),
		domain.FieldOf("body", func(n *Note) string { return n.Body }, func(n *Note, v string) { n.Body = v }),
	)
}

// seedNotes are persisted by run --seed.
func seedNotes(nodeID string) []*Note {
	return []*Note{
		{Title: "hello", Body: fmt.Sprintf("from %s", nodeID)},
		{Title: "todo", Body: "connect another node with --peer"},
	}
}
