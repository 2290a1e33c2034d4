package main

import (
	"github.com/invopop/jsonschema"

	"github.com/okessler/scriptctl/internal/store"
)

func main() {
	schema := jsonschema.Reflect(&store.Definition{})
	json, err := schema.MarshalJSON()
	if err != nil {
		panic(err)
	}
	println(string(json))
}
