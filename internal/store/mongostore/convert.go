package mongostore

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/swarmguard/reactivetask/internal/store"
)

// toBsonM converts a store.Doc into bson.M. Nested store.Doc/map[string]any
// values convert structurally since bson.M is itself a map[string]any alias
// and the driver marshals nested maps the same way regardless of the static
// type recorded at this layer.
func toBsonM(d store.Doc) bson.M {
	if d == nil {
		return bson.M{}
	}
	return bson.M(d)
}

func toBsonA(docs []store.Doc) bson.A {
	a := make(bson.A, 0, len(docs))
	for _, d := range docs {
		a = append(a, toBsonM(d))
	}
	return a
}

func fromBsonM(m bson.M) store.Doc {
	return store.Doc(m)
}

func pipelineToBsonA(pipeline []store.Doc) bson.A {
	a := make(bson.A, 0, len(pipeline))
	for _, stage := range pipeline {
		a = append(a, toBsonM(stage))
	}
	return a
}
